package sn

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/common"
	"github.com/blinknet/blinkd/src/crypto"
)

func testServiceNode(t *testing.T, i int) ServiceNode {
	keys, err := crypto.GenerateKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return ServiceNode{
		PubKey: keys.Pub,
		X25519: keys.X25519Pub,
		IP:     "10.0.0.1",
		Port:   uint16(22020 + i),
		Active: true,
	}
}

func TestRegistryLookups(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel, "test")

	reg, err := NewRegistry(nil, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	nodes := make([]ServiceNode, 3)
	for i := range nodes {
		nodes[i] = testServiceNode(t, i)
		if err := reg.Put(nodes[i]); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	if reg.Len() != 3 {
		t.Fatalf("len: %d", reg.Len())
	}

	rec, ok := reg.Resolve(nodes[0].PubKey)
	if !ok {
		t.Fatal("Resolve failed")
	}
	if !reflect.DeepEqual(rec, nodes[0]) {
		t.Fatalf("Resolve mismatch: %v != %v", rec, nodes[0])
	}

	pub, ok := reg.PubKeyOf(nodes[1].X25519)
	if !ok || pub != nodes[1].PubKey {
		t.Fatal("PubKeyOf failed")
	}

	if !reg.IsServiceNode(nodes[2].X25519) {
		t.Fatal("IsServiceNode failed")
	}
	var unknown crypto.X25519PubKey
	unknown[0] = 0xaa
	if reg.IsServiceNode(unknown) {
		t.Fatal("IsServiceNode matched an unknown key")
	}

	count := 0
	reg.ForEach([]crypto.PubKey{nodes[0].PubKey, nodes[2].PubKey}, func(ServiceNode) {
		count++
	})
	if count != 2 {
		t.Fatalf("ForEach visited %d records", count)
	}

	if cs := reg.ConnectString(nodes[0].X25519); cs != "10.0.0.1:22020" {
		t.Fatalf("ConnectString: %q", cs)
	}

	// inactive nodes don't resolve to an endpoint
	inactive := nodes[0]
	inactive.Active = false
	if err := reg.Put(inactive); err != nil {
		t.Fatalf("err: %v", err)
	}
	if cs := reg.ConnectString(nodes[0].X25519); cs != "" {
		t.Fatalf("ConnectString for inactive node: %q", cs)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "blinkd")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	nodes := make([]ServiceNode, 3)
	for i := range nodes {
		nodes[i] = testServiceNode(t, i)
		if err := store.Put(nodes[i]); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Reopen through a registry, which loads the store at startup
	store, err = NewStore(dir)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer store.Close()

	reg, err := NewRegistry(store, common.NewTestEntry(t, logrus.DebugLevel, "test"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("len after reload: %d", reg.Len())
	}
	for _, node := range nodes {
		rec, ok := reg.Resolve(node.PubKey)
		if !ok || !reflect.DeepEqual(rec, node) {
			t.Fatalf("record not restored: %v", node.PubKey)
		}
	}
}

func TestRegistryQuorumSourceDeterministic(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel, "test")

	regA, _ := NewRegistry(nil, logger)
	regB, _ := NewRegistry(nil, logger)

	for i := 0; i < 12; i++ {
		node := testServiceNode(t, i)
		if err := regA.Put(node); err != nil {
			t.Fatalf("err: %v", err)
		}
		if err := regB.Put(node); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	srcA := NewRegistryQuorumSource(regA)
	srcB := NewRegistryQuorumSource(regB)

	for _, height := range []uint64{0, 1, 60, 65} {
		qa := srcA.GetQuorum(QuorumBlink, height)
		qb := srcB.GetQuorum(QuorumBlink, height)
		if qa == nil || qb == nil {
			t.Fatal("nil quorum")
		}
		if len(qa.Validators) != BlinkSubquorumSize {
			t.Fatalf("quorum size: %d", len(qa.Validators))
		}
		if !reflect.DeepEqual(qa, qb) {
			t.Fatalf("quorums diverge at height %d", height)
		}
	}
}

func TestJSONServiceNodesRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "blinkd")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	file := NewJSONServiceNodes(dir)

	if _, err := file.Read(); err == nil {
		t.Fatal("Read should fail before the file exists")
	}

	nodes := []ServiceNode{testServiceNode(t, 0), testServiceNode(t, 1)}
	if err := file.Write(nodes); err != nil {
		t.Fatalf("err: %v", err)
	}

	read, err := file.Read()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !reflect.DeepEqual(read, nodes) {
		t.Fatalf("round trip mismatch: %v != %v", read, nodes)
	}
}
