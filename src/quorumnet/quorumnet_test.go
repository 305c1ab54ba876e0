package quorumnet

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/blink"
	"github.com/blinknet/blinkd/src/common"
	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

const testAuthHeight = 100

type testNode struct {
	keys    *crypto.Keys
	trans   *net.InmemTransport
	worker  *Worker
	mempool *InmemMempool
	votes   *InmemVotePool
}

type testEnv struct {
	t        *testing.T
	network  *net.InmemNetwork
	registry *sn.Registry
	source   *sn.StaticQuorumSource
	logger   *logrus.Entry
	nodes    []*testNode
}

// newTestEnv builds n fully-wired quorum nodes over an in-memory network
// sharing one registry and quorum schedule. The verdict function drives each
// node's mempool opinion; nil approves everything.
func newTestEnv(t *testing.T, n int, verdict func(*blink.Tx) bool) *testEnv {
	logger := common.NewTestEntry(t, logrus.InfoLevel, "test")

	registry, err := sn.NewRegistry(nil, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	env := &testEnv{
		t:        t,
		network:  net.NewInmemNetwork(),
		registry: registry,
		source:   sn.NewStaticQuorumSource(),
		logger:   logger,
	}

	for i := 0; i < n; i++ {
		keys, err := crypto.GenerateKeys()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		err = registry.Put(sn.ServiceNode{
			PubKey: keys.Pub,
			X25519: keys.X25519Pub,
			IP:     "10.0.0.1",
			Port:   uint16(22020 + i),
			Active: true,
		})
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		env.nodes = append(env.nodes, &testNode{keys: keys})
	}

	for _, node := range env.nodes {
		node.trans = env.network.NewTransport(node.keys.X25519Pub, registry.IsServiceNode, logger)
		node.mempool = NewInmemMempool(verdict)
		node.votes = NewInmemVotePool(env.source)

		node.worker, err = New(Config{
			Keys:      node.keys,
			Transport: node.trans,
			Registry:  registry,
			Quorums:   env.source,
			Height:    func() uint64 { return testAuthHeight },
			Mempool:   node.mempool,
			Votes:     node.votes,
			Logger:    logger,
		})
		if err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	return env
}

// newClient wires a remote-only worker: it can submit blinks and receive
// verdicts but is not a registered service node.
func (env *testEnv) newClient() *testNode {
	keys, err := crypto.GenerateKeys()
	if err != nil {
		env.t.Fatalf("err: %v", err)
	}

	node := &testNode{keys: keys}
	node.trans = env.network.NewTransport(keys.X25519Pub, env.registry.IsServiceNode, env.logger)

	node.worker, err = New(Config{
		Keys:      nil,
		Transport: node.trans,
		Registry:  env.registry,
		Quorums:   env.source,
		Height:    func() uint64 { return testAuthHeight },
		Logger:    env.logger,
	})
	if err != nil {
		env.t.Fatalf("err: %v", err)
	}

	return node
}

func (env *testEnv) pubKeys() []crypto.PubKey {
	res := make([]crypto.PubKey, len(env.nodes))
	for i, node := range env.nodes {
		res[i] = node.keys.Pub
	}
	return res
}

// setBlinkQuorums registers Q and Q' for the test authorization height.
func (env *testEnv) setBlinkQuorums(q, qPrime []crypto.PubKey) {
	env.source.SetQuorum(sn.QuorumBlink, sn.BlinkQuorumHeight(testAuthHeight, 0), &sn.Quorum{Validators: q})
	env.source.SetQuorum(sn.QuorumBlink, sn.BlinkQuorumHeight(testAuthHeight, 1), &sn.Quorum{Validators: qPrime})
}

func newTestMessage(cmd string, from crypto.X25519PubKey, snFlag bool, payload []byte) *net.Message {
	return &net.Message{Cmd: cmd, Pubkey: from, SN: snFlag, Data: [][]byte{payload}}
}

func waitResponse(t *testing.T, ch <-chan BlinkResponse, timeout time.Duration) BlinkResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		t.Fatal("timed out waiting for blink response")
		return BlinkResponse{}
	}
}

func waitUntil(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countStatus(tx *blink.Tx, want blink.SignatureStatus) int {
	count := 0
	for q := blink.Subquorum(0); q < blink.NumSubquorums; q++ {
		for i := 0; i < tx.SubquorumSize(q); i++ {
			if tx.Status(q, i) == want {
				count++
			}
		}
	}
	return count
}

func position(vals []crypto.PubKey, pub crypto.PubKey) int {
	for i, v := range vals {
		if v == pub {
			return i
		}
	}
	return -1
}
