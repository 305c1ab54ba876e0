package quorumnet

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/blink"
	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

// blinkRetentionBlocks is how far behind the current height blink cache
// entries are kept. It covers the +-2 authorization height tolerance plus
// quorum relay delay, so nodes recovering from minor reorgs still process
// in-flight signatures.
const blinkRetentionBlocks = 10

// Mempool is the external transaction pool. AddBlink must be thread-safe and
// idempotent for the same tx (reporting alreadyPresent on repeats).
type Mempool interface {
	AddBlink(tx *blink.Tx) (approved bool, alreadyPresent bool, err error)
}

// Config wires a Worker to its collaborators.
type Config struct {
	// Keys is the node's service-node identity. Nil runs a remote-only
	// worker: it can submit blinks and collect verdicts but holds no quorum
	// duties.
	Keys *crypto.Keys

	Transport net.Transport
	Registry  *sn.Registry
	Quorums   sn.QuorumSource

	// Height reports the current blockchain height.
	Height func() uint64

	Mempool Mempool
	Votes   VotePool

	Logger *logrus.Entry
}

// Worker runs the quorum overlay for one node.
type Worker struct {
	keys     *crypto.Keys
	trans    net.Transport
	registry *sn.Registry
	quorums  sn.QuorumSource
	height   func() uint64
	mempool  Mempool
	votes    VotePool

	cache   *blink.Cache
	pending *pendingBlinks

	logger *logrus.Entry
}

// New creates a Worker and registers its command handlers with the
// transport.
func New(cfg Config) (*Worker, error) {
	if cfg.Transport == nil {
		return nil, errors.New("quorumnet: transport is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("quorumnet: registry is required")
	}
	if cfg.Quorums == nil {
		return nil, errors.New("quorumnet: quorum source is required")
	}
	if cfg.Height == nil {
		return nil, errors.New("quorumnet: height source is required")
	}

	logger := cfg.Logger
	if logger == nil {
		log := logrus.New()
		logger = logrus.NewEntry(log)
	}

	w := &Worker{
		keys:     cfg.Keys,
		trans:    cfg.Transport,
		registry: cfg.Registry,
		quorums:  cfg.Quorums,
		height:   cfg.Height,
		mempool:  cfg.Mempool,
		votes:    cfg.Votes,
		cache:    blink.NewCache(logger),
		pending:  newPendingBlinks(),
		logger:   logger,
	}

	if w.keys != nil {
		logger.WithField("x25519", w.keys.X25519Pub).Info("Starting quorumnet worker")
	} else {
		logger.Info("Starting remote-only quorumnet worker")
	}

	// Receives a new blink tx submission from an external node, or a forward
	// from other quorum members who received it from an external node.
	w.trans.RegisterPublic("blink", w.handleBlink)

	// Receives blink tx signatures or rejections between quorum members
	// (either original or forwarded). These are propagated by the receiver
	// if new.
	w.trans.RegisterSN("blink_sign", w.handleBlinkSignature)

	// Receives a relayed quorum vote.
	w.trans.RegisterSN("vote", w.handleVote)

	// Entry-point nodes report back to the submitter with these.
	w.trans.RegisterSN("bl_nostart", w.handleBlinkNotStarted)
	w.trans.RegisterSN("bl_bad", w.handleBlinkFailure)
	w.trans.RegisterSN("bl_good", w.handleBlinkSuccess)

	return w, nil
}

// BlockAdded tells the worker about a new chain height so it can prune blink
// state that can no longer matter.
func (w *Worker) BlockAdded(height uint64) {
	if height > blinkRetentionBlocks {
		w.cache.PruneBelow(height - blinkRetentionBlocks)
	}
}

// Cache exposes the blink cache for inspection.
func (w *Worker) Cache() *blink.Cache {
	return w.cache
}

// Close shuts the worker down.
func (w *Worker) Close() error {
	w.logger.Info("Shutting down quorumnet worker")
	return w.trans.Close()
}

// Core callbacks. The embedding daemon assigns these at init so that chain
// code can reach the quorum overlay without linking against it.
var (
	QuorumnetNew        func(cfg Config) (*Worker, error)
	QuorumnetDelete     func(w *Worker)
	QuorumnetRelayVotes func(w *Worker, votes []*Vote)
	QuorumnetSendBlink  func(w *Worker, txBlob []byte) <-chan BlinkResponse
)

// InitCoreCallbacks points the callback variables at this package's
// implementations.
func InitCoreCallbacks() {
	QuorumnetNew = New
	QuorumnetDelete = func(w *Worker) { w.Close() }
	QuorumnetRelayVotes = (*Worker).RelayVotes
	QuorumnetSendBlink = (*Worker).SendBlink
}
