package sn

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/blinknet/blinkd/src/crypto"
)

const jsonServiceNodePath = "service_nodes.json"

type jsonServiceNode struct {
	PubKey string `json:"pubkey"`
	X25519 string `json:"x25519"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	Active bool   `json:"active"`
}

// JSONServiceNodes reads and writes a service_nodes.json file. It is the
// seed mechanism for development networks where there is no chain to learn
// registrations from.
type JSONServiceNodes struct {
	l    sync.Mutex
	path string
}

// NewJSONServiceNodes points to a service_nodes.json file in the given
// directory.
func NewJSONServiceNodes(base string) *JSONServiceNodes {
	return &JSONServiceNodes{path: filepath.Join(base, jsonServiceNodePath)}
}

// Read parses the file into service-node records.
func (j *JSONServiceNodes) Read() ([]ServiceNode, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	var raw []jsonServiceNode
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, err
	}

	nodes := make([]ServiceNode, 0, len(raw))
	for _, r := range raw {
		pub, err := crypto.PubKeyFromHex(r.PubKey)
		if err != nil {
			return nil, err
		}
		x, err := crypto.X25519FromHex(r.X25519)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, ServiceNode{
			PubKey: pub,
			X25519: x,
			IP:     r.IP,
			Port:   r.Port,
			Active: r.Active,
		})
	}
	return nodes, nil
}

// Write saves records to the file.
func (j *JSONServiceNodes) Write(nodes []ServiceNode) error {
	j.l.Lock()
	defer j.l.Unlock()

	raw := make([]jsonServiceNode, 0, len(nodes))
	for i := range nodes {
		raw = append(raw, jsonServiceNode{
			PubKey: nodes[i].PubKey.String(),
			X25519: nodes[i].X25519.String(),
			IP:     nodes[i].IP,
			Port:   nodes[i].Port,
			Active: nodes[i].Active,
		})
	}

	buf, err := json.MarshalIndent(raw, "", "\t")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf, 0600)
}
