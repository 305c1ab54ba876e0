package quorumnet

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blinknet/blinkd/src/bt"
	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/sn"
)

// VoterGroup identifies which side of a quorum a vote came from.
type VoterGroup uint8

const (
	GroupInvalid VoterGroup = iota
	GroupValidator
	GroupWorker

	numVoterGroups
)

// WorkerState is the state an obligations vote wants a worker moved to.
type WorkerState uint8

const (
	StateDeregister WorkerState = iota
	StateDecommission
	StateRecommission
	StateIPChangePenalty

	numWorkerStates
)

// Vote is a quorum vote: service-node misbehavior (obligations) or a
// checkpoint signature.
type Vote struct {
	Version uint8
	Type    sn.QuorumType
	Height  uint64
	Group   VoterGroup
	Index   uint16

	Signature crypto.Signature

	// BlockHash is only meaningful for checkpointing votes.
	BlockHash crypto.Hash

	// WorkerIndex and State are only meaningful for obligations votes.
	WorkerIndex uint16
	State       WorkerState
}

// SigningHash is the hash the voter signed.
func (v *Vote) SigningHash() crypto.Hash {
	var buf [14]byte
	buf[0] = v.Version
	buf[1] = uint8(v.Type)
	binary.LittleEndian.PutUint64(buf[2:10], v.Height)
	buf[10] = uint8(v.Group)
	binary.LittleEndian.PutUint16(buf[11:13], v.Index)

	if v.Type == sn.QuorumCheckpointing {
		return crypto.DomainHash(crypto.DomainVote, buf[:13], v.BlockHash[:])
	}

	var extra [3]byte
	binary.LittleEndian.PutUint16(extra[0:2], v.WorkerIndex)
	extra[2] = uint8(v.State)
	return crypto.DomainHash(crypto.DomainVote, buf[:13], extra[:])
}

// VotePool is the external vote verification and collection service. AddVote
// reports whether the vote was new and added to the pool.
type VotePool interface {
	AddVote(v *Vote) (added bool, err error)
}

func serializeVote(v *Vote) bt.Dict {
	d := bt.Dict{
		"v": int64(v.Version),
		"t": int64(v.Type),
		"h": int64(v.Height),
		"g": int64(v.Group),
		"i": int64(v.Index),
		"s": string(v.Signature[:]),
	}
	if v.Type == sn.QuorumCheckpointing {
		d["bh"] = string(v.BlockHash[:])
	} else {
		d["wi"] = int64(v.WorkerIndex)
		d["sc"] = int64(v.State)
	}
	return d
}

func deserializeVote(d bt.Dict) (*Vote, error) {
	v := &Vote{}

	version, err := bt.Uint8(d, "v")
	if err != nil {
		return nil, err
	}
	v.Version = version

	t, err := bt.Uint8(d, "t")
	if err != nil {
		return nil, err
	}
	v.Type = sn.QuorumType(t)
	if !v.Type.Valid() {
		return nil, fmt.Errorf("invalid vote type %d", t)
	}

	v.Height, err = bt.Uint64(d, "h")
	if err != nil {
		return nil, err
	}

	g, err := bt.Uint8(d, "g")
	if err != nil {
		return nil, err
	}
	v.Group = VoterGroup(g)
	if v.Group == GroupInvalid || v.Group >= numVoterGroups {
		return nil, fmt.Errorf("invalid vote group %d", g)
	}

	v.Index, err = bt.Uint16(d, "i")
	if err != nil {
		return nil, err
	}

	sig, err := bt.Bytes(d, "s")
	if err != nil {
		return nil, err
	}
	v.Signature, err = crypto.SignatureFromBytes(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid vote signature size")
	}

	if v.Type == sn.QuorumCheckpointing {
		bh, err := bt.Bytes(d, "bh")
		if err != nil {
			return nil, err
		}
		v.BlockHash, err = crypto.HashFromBytes(bh)
		if err != nil {
			return nil, fmt.Errorf("invalid vote checkpoint block hash")
		}
	} else {
		v.WorkerIndex, err = bt.Uint16(d, "wi")
		if err != nil {
			return nil, err
		}
		state, err := bt.Uint8(d, "sc")
		if err != nil {
			return nil, err
		}
		v.State = WorkerState(state)
		if v.State >= numWorkerStates {
			return nil, fmt.Errorf("invalid vote state %d", state)
		}
	}

	return v, nil
}

// RelayVotes serializes locally-produced votes and relays each through the
// peers of its quorum.
func (w *Worker) RelayVotes(votes []*Vote) {
	if w.keys == nil {
		w.logger.Warning("Cannot relay votes: no service node keys")
		return
	}

	w.logger.WithField("count", len(votes)).Debug("Starting vote relay")

	relayed := 0
	for _, vote := range votes {
		quorum := w.quorums.GetQuorum(vote.Type, vote.Height)
		if quorum == nil {
			w.logger.WithFields(logrus.Fields{
				"type":   vote.Type,
				"height": vote.Height,
			}).Warning("Unable to relay vote: no quorum for type at height")
			continue
		}

		if len(quorum.Validators) < sn.MinVotes(vote.Type) {
			w.logger.WithFields(logrus.Fields{
				"type":       vote.Type,
				"height":     vote.Height,
				"validators": len(quorum.Validators),
				"min_votes":  sn.MinVotes(vote.Type),
			}).Warning("Invalid vote relay: quorum too small to reach the minimum required votes")
			continue
		}

		pinfo := newPeerInfo(w, vote.Type, []*sn.Quorum{quorum}, true, nil)
		if pinfo.MyPositionCount == 0 {
			w.logger.Warning("Invalid vote relay: vote to relay does not include this service node")
			continue
		}

		payload, err := bt.Marshal(serializeVote(vote))
		if err != nil {
			w.logger.WithError(err).Warning("Failed to serialize vote")
			continue
		}

		pinfo.relayToPeers("vote", payload)
		relayed++
	}

	w.logger.WithField("count", relayed).Debug("Relayed votes")
}

// handleVote processes a vote relayed by a quorum peer: verify through the
// vote pool and re-relay if it was new.
func (w *Worker) handleVote(m *net.Message) {
	w.logger.WithField("pubkey", m.Pubkey).Debug("Received a relayed vote")

	if len(m.Data) != 1 {
		w.logger.WithField("parts", len(m.Data)).Info("Ignoring vote: expected 1 data part")
		return
	}

	d, err := bt.Unmarshal(m.Data[0])
	if err != nil {
		w.logger.WithError(err).WithField("pubkey", m.Pubkey).Warning("Deserialization of vote failed")
		return
	}

	vote, err := deserializeVote(d)
	if err != nil {
		w.logger.WithError(err).WithField("pubkey", m.Pubkey).Warning("Deserialization of vote failed")
		return
	}

	if vote.Height > w.height() {
		w.logger.WithField("height", vote.Height).Debug("Ignoring vote: block height too high")
		return
	}

	if w.votes == nil {
		return
	}

	added, err := w.votes.AddVote(vote)
	if err != nil {
		w.logger.WithError(err).Warning("Vote verification failed; ignoring vote")
		return
	}

	if added && w.keys != nil {
		w.RelayVotes([]*Vote{vote})
	}
}

// InmemVotePool is a self-contained VotePool: it verifies the vote signature
// against the validator occupying the vote's quorum slot and keeps one vote
// per slot.
type InmemVotePool struct {
	mu      sync.Mutex
	quorums sn.QuorumSource
	seen    map[voteKey]struct{}
}

type voteKey struct {
	t      sn.QuorumType
	height uint64
	group  VoterGroup
	index  uint16
}

// NewInmemVotePool creates a pool verifying against the given quorum source.
func NewInmemVotePool(quorums sn.QuorumSource) *InmemVotePool {
	return &InmemVotePool{
		quorums: quorums,
		seen:    make(map[voteKey]struct{}),
	}
}

// Has reports whether a vote for the same quorum slot is already pooled.
func (p *InmemVotePool) Has(v *Vote) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.seen[voteKey{t: v.Type, height: v.Height, group: v.Group, index: v.Index}]
	return ok
}

// AddVote implements VotePool.
func (p *InmemVotePool) AddVote(v *Vote) (bool, error) {
	quorum := p.quorums.GetQuorum(v.Type, v.Height)
	if quorum == nil {
		return false, fmt.Errorf("no quorum for %s at height %d", v.Type, v.Height)
	}
	if int(v.Index) >= len(quorum.Validators) {
		return false, fmt.Errorf("vote index %d out of range", v.Index)
	}

	voter := quorum.Validators[v.Index]
	if !crypto.Verify(voter, v.SigningHash(), v.Signature) {
		return false, fmt.Errorf("vote signature verification failed")
	}

	key := voteKey{t: v.Type, height: v.Height, group: v.Group, index: v.Index}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[key]; ok {
		return false, nil
	}
	p.seen[key] = struct{}{}
	return true, nil
}
