// Package raftlog replicates the membership log with etcd raft. Committed
// entries are applied to the local membership replica in log order on a
// goroutine of their own, so slow map installs never hold up ticks or
// heartbeats.
package raftlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/i5heu/ouroboros-ec/internal/membership"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	DefaultTickInterval  = 100 * time.Millisecond
	DefaultSnapshotCount = 1000
	sendTimeout          = 3 * time.Second
	retryDelay           = 50 * time.Millisecond
	// entries kept behind a snapshot for slow followers
	compactionLag        = 100
)

const (
	logKeyPeer  = "peer"
	logKeyIndex = "index"
	logKeyType  = "type"
	logKeyError = "error"
)

// ErrStopped is returned by Propose once the log is stopped.
var ErrStopped = errors.New("raftlog: stopped")

// Peer is one voter of the raft group.
type Peer struct {
	ID      uint64
	Address model.Address
}

// Config wires a Log.
type Config struct {
	ID      uint64
	Peers   []Peer
	Caller  transport.Caller
	Replica *membership.Replica
	Logger  *slog.Logger

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int
	// SnapshotCount is the number of applied entries between snapshots.
	SnapshotCount uint64
}

// Log is a raft-replicated membership log.
type Log struct {
	id        uint64
	peers     map[uint64]model.Address
	caller    transport.Caller
	replica   *membership.Replica
	log       *slog.Logger
	node      raft.Node
	storage   *raft.MemoryStorage
	tick      time.Duration
	snapEvery uint64

	// applied is the last entry handed to the applier.
	applied uint64
	applier *applier

	confMu    sync.Mutex
	confState raftpb.ConfState

	// owned by the applier goroutine
	installed uint64
	snapIndex uint64

	proposalsMu sync.Mutex
	proposals   map[uuid.UUID]chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ membership.Proposer = (*Log)(nil)

func New(cfg Config) (*Log, error) {
	switch {
	case cfg.ID == 0:
		return nil, errors.New("raftlog: id must be non-zero")
	case cfg.Caller == nil:
		return nil, errors.New("raftlog: caller is required")
	case cfg.Replica == nil:
		return nil, errors.New("raftlog: replica is required")
	case cfg.Logger == nil:
		return nil, errors.New("raftlog: logger is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ElectionTick <= 0 {
		cfg.ElectionTick = 10
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = 1
	}
	if cfg.SnapshotCount == 0 {
		cfg.SnapshotCount = DefaultSnapshotCount
	}

	peers := make(map[uint64]model.Address, len(cfg.Peers))
	raftPeers := make([]raft.Peer, 0, len(cfg.Peers))
	var confState raftpb.ConfState
	for _, p := range cfg.Peers {
		if _, dup := peers[p.ID]; dup {
			return nil, fmt.Errorf("raftlog: duplicate peer id %d", p.ID)
		}
		peers[p.ID] = p.Address
		raftPeers = append(raftPeers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
		confState.Voters = append(confState.Voters, p.ID)
	}
	if _, ok := peers[cfg.ID]; !ok {
		return nil, fmt.Errorf("raftlog: id %d is not among the peers", cfg.ID)
	}

	storage := raft.NewMemoryStorage()
	node := raft.StartNode(&raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          newRaftLogger(cfg.Logger),
	}, raftPeers)

	return &Log{
		id:        cfg.ID,
		peers:     peers,
		caller:    cfg.Caller,
		replica:   cfg.Replica,
		log:       cfg.Logger,
		node:      node,
		storage:   storage,
		tick:      cfg.TickInterval,
		snapEvery: cfg.SnapshotCount,
		confState: confState,
		applier:   newApplier(),
		proposals: make(map[uuid.UUID]chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Register installs the raft message handler on mux.
func (l *Log) Register(mux *transport.Mux) {
	mux.Handle(transport.MessageTypeRaft, l.handleMessage)
}

func (l *Log) handleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	var msg raftpb.Message
	if err := msg.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("raftlog: decode message: %w", err)
	}
	if err := l.node.Step(ctx, msg); err != nil {
		return nil, fmt.Errorf("raftlog: step: %w", err)
	}
	return nil, nil
}

// Run drives the raft node until ctx is done or Stop is called.
func (l *Log) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	defer l.Stop()

	applyCtx, cancel := context.WithCancel(ctx)
	go l.applier.run(applyCtx, l.install)
	defer func() {
		cancel()
		l.applier.stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopped:
			return nil
		case <-ticker.C:
			l.node.Tick()
		case rd := <-l.node.Ready():
			if err := l.handleReady(ctx, rd); err != nil {
				return err
			}
		}
	}
}

func (l *Log) handleReady(ctx context.Context, rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := l.storage.ApplySnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("raftlog: apply snapshot: %w", err)
		}
		l.setConfState(rd.Snapshot.Metadata.ConfState)
		l.applied = rd.Snapshot.Metadata.Index
		l.applier.push(task{index: l.applied, restore: true, snapshot: rd.Snapshot.Data})
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := l.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("raftlog: hard state: %w", err)
		}
	}
	if err := l.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("raftlog: append: %w", err)
	}

	l.send(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if entry.Index <= l.applied {
			continue
		}
		if err := l.commit(ctx, entry); err != nil {
			return err
		}
		l.applied = entry.Index
	}

	l.node.Advance()
	return nil
}

// commit hands entry to the applier. Conf changes take effect here since
// the raft node has to see them before the next Ready.
func (l *Log) commit(ctx context.Context, entry raftpb.Entry) error {
	t := task{index: entry.Index}
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("raftlog: decode conf change: %w", err)
		}
		l.setConfState(*l.node.ApplyConfChange(cc))
	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			break
		}
		id, cmd, err := decodeEntry(entry.Data)
		if err != nil {
			// a corrupt entry is skipped by every replica alike
			l.log.ErrorContext(ctx, "skipping undecodable entry",
				logKeyIndex, entry.Index,
				logKeyError, err.Error())
			break
		}
		t.id, t.cmd = id, &cmd
	}
	l.applier.push(t)
	return nil
}

// install runs on the applier goroutine.
func (l *Log) install(ctx context.Context, t task) {
	switch {
	case t.restore:
		if err := l.replica.Restore(ctx, t.snapshot); err != nil {
			l.log.ErrorContext(ctx, "restore replica failed",
				logKeyIndex, t.index,
				logKeyError, err.Error())
		}
		l.snapIndex = t.index
	case t.cmd != nil:
		l.replica.Apply(ctx, *t.cmd)
		l.finish(t.id)
	}
	l.installed = t.index
	l.maybeSnapshot()
}

func (l *Log) setConfState(cs raftpb.ConfState) {
	l.confMu.Lock()
	l.confState = cs
	l.confMu.Unlock()
}

func (l *Log) maybeSnapshot() {
	if l.installed-l.snapIndex < l.snapEvery {
		return
	}
	l.confMu.Lock()
	cs := l.confState
	l.confMu.Unlock()
	if _, err := l.storage.CreateSnapshot(l.installed, &cs, l.replica.Snapshot()); err != nil {
		if !errors.Is(err, raft.ErrSnapOutOfDate) {
			l.log.Warn("snapshot failed", logKeyIndex, l.installed, logKeyError, err.Error())
		}
		return
	}
	if l.installed > compactionLag {
		if err := l.storage.Compact(l.installed - compactionLag); err != nil && !errors.Is(err, raft.ErrCompacted) {
			l.log.Warn("compaction failed", logKeyIndex, l.installed, logKeyError, err.Error())
		}
	}
	l.snapIndex = l.installed
}

func (l *Log) send(msgs []raftpb.Message) {
	for _, m := range msgs {
		if m.To == l.id {
			continue
		}
		addr, ok := l.peers[m.To]
		if !ok {
			continue
		}
		go func(m raftpb.Message, addr model.Address) {
			data, err := m.Marshal()
			if err != nil {
				l.log.Error("encode raft message", logKeyError, err.Error())
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if _, err := l.caller.Call(ctx, addr, transport.MessageTypeRaft, data); err != nil {
				l.node.ReportUnreachable(m.To)
				if m.Type == raftpb.MsgSnap {
					l.node.ReportSnapshot(m.To, raft.SnapshotFailure)
				}
				l.log.Debug("raft message not delivered",
					logKeyPeer, string(addr),
					logKeyType, m.Type.String(),
					logKeyError, err.Error())
				return
			}
			if m.Type == raftpb.MsgSnap {
				l.node.ReportSnapshot(m.To, raft.SnapshotFinish)
			}
		}(m, addr)
	}
}

// Propose appends cmd to the log and waits until this node applied it.
// Proposals made while no leader is known are retried until ctx is done.
func (l *Log) Propose(ctx context.Context, cmd membership.Command) error {
	id := uuid.New()
	done := make(chan struct{})
	l.proposalsMu.Lock()
	l.proposals[id] = done
	l.proposalsMu.Unlock()
	defer func() {
		l.proposalsMu.Lock()
		delete(l.proposals, id)
		l.proposalsMu.Unlock()
	}()

	data := encodeEntry(id, cmd)
	for {
		err := l.node.Propose(ctx, data)
		if err == nil {
			break
		}
		if !errors.Is(err, raft.ErrProposalDropped) {
			return fmt.Errorf("raftlog: propose: %w", err)
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopped:
			return ErrStopped
		}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

func (l *Log) finish(id uuid.UUID) {
	l.proposalsMu.Lock()
	done, ok := l.proposals[id]
	delete(l.proposals, id)
	l.proposalsMu.Unlock()
	if ok {
		close(done)
	}
}

// IsLeader reports whether this node currently leads the group.
func (l *Log) IsLeader() bool {
	return l.node.Status().Lead == l.id
}

// Leader returns the id of the current leader, zero if unknown.
func (l *Log) Leader() uint64 {
	return l.node.Status().Lead
}

// Stop halts the raft node. It is safe to call more than once.
func (l *Log) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.node.Stop()
	})
}

func encodeEntry(id uuid.UUID, cmd membership.Command) []byte {
	out := make([]byte, 0, 16+32)
	out = append(out, id[:]...)
	return append(out, cmd.Encode()...)
}

func decodeEntry(b []byte) (uuid.UUID, membership.Command, error) {
	if len(b) < 16 {
		return uuid.Nil, membership.Command{}, errors.New("raftlog: entry too short")
	}
	id, err := uuid.FromBytes(b[:16])
	if err != nil {
		return uuid.Nil, membership.Command{}, err
	}
	cmd, err := membership.DecodeCommand(b[16:])
	return id, cmd, err
}
