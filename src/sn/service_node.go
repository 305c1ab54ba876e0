package sn

import (
	"fmt"

	"github.com/blinknet/blinkd/src/crypto"
)

// ServiceNode is a registry record for one stake-bonded node: its primary
// identity, transport key, advertised endpoint, and whether it is currently
// active on the network.
type ServiceNode struct {
	PubKey crypto.PubKey
	X25519 crypto.X25519PubKey
	IP     string
	Port   uint16
	Active bool
}

// ConnectString returns the node's dialable endpoint, or "" if the node has
// not advertised one.
func (s *ServiceNode) ConnectString() string {
	if s.IP == "" || s.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}
