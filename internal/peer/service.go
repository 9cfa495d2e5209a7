package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/internal/transport"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	logKeyPiece   = "piece"
	logKeyVersion = "version"
	logKeyCurrent = "currentVersion"
	logKeyError   = "error"
)

// RebuildQueuer receives pieces that arrived as placeholders.
type RebuildQueuer interface {
	QueueTask(task model.RebuildTask)
}

// StabilizeQueuer receives keys whose pieces may have to move on.
type StabilizeQueuer interface {
	QueueTask(task model.StabilizeTask)
}

// ServiceConfig wires the inbound service.
type ServiceConfig struct {
	Store      interfaces.PieceStore
	Rebuilds   RebuildQueuer
	Stabilizes StabilizeQueuer
	Prober     interfaces.Prober
	// Capacity is the weight this node asks to be placed with.
	Capacity func() float64
	Logger   *slog.Logger
}

// Service answers peer RPCs for the local node.
type Service struct {
	store      interfaces.PieceStore
	rebuilds   RebuildQueuer
	stabilizes StabilizeQueuer
	prober     interfaces.Prober
	capacity   func() float64
	log        *slog.Logger

	mu      sync.RWMutex
	cluster *clustermap.Map
}

// NewService validates cfg and returns a service that starts with an empty
// cluster map.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("peer: store is required")
	case cfg.Rebuilds == nil:
		return nil, errors.New("peer: rebuild queue is required")
	case cfg.Stabilizes == nil:
		return nil, errors.New("peer: stabilizer is required")
	case cfg.Prober == nil:
		return nil, errors.New("peer: prober is required")
	case cfg.Logger == nil:
		return nil, errors.New("peer: logger is required")
	}
	if cfg.Capacity == nil {
		cfg.Capacity = func() float64 { return 1 }
	}
	return &Service{
		store:      cfg.Store,
		rebuilds:   cfg.Rebuilds,
		stabilizes: cfg.Stabilizes,
		prober:     cfg.Prober,
		capacity:   cfg.Capacity,
		log:        cfg.Logger,
		cluster:    clustermap.Empty(),
	}, nil
}

// SetCluster replaces the cluster map used for version checks.
func (s *Service) SetCluster(m *clustermap.Map) {
	s.mu.Lock()
	s.cluster = m
	s.mu.Unlock()
}

func (s *Service) version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cluster.Version()
}

// SavePiece accepts a piece transfer. Transfers issued under an older
// cluster version than ours are rejected without touching the store.
func (s *Service) SavePiece(ctx context.Context, p model.SendPiece) error {
	if current := s.version(); current > p.Version {
		s.log.DebugContext(ctx, "rejecting stale piece",
			logKeyPiece, p.Loc.String(),
			logKeyVersion, p.Version,
			logKeyCurrent, current)
		return model.ErrRejected
	}
	if p.IsPlaceholder() {
		s.rebuilds.QueueTask(model.RebuildTask{Loc: p.Loc})
		return nil
	}
	if err := s.store.Put(ctx, p.Loc, p.Data); err != nil {
		return fmt.Errorf("peer: save %s: %w", p.Loc, err)
	}
	s.stabilizes.QueueTask(model.StabilizeTask{Key: p.Loc.Key})
	return nil
}

// FindPiece returns model.ErrNotFound if the piece is not stored here.
func (s *Service) FindPiece(ctx context.Context, loc model.PieceLocator) ([]byte, error) {
	return s.store.Get(ctx, loc)
}

func (s *Service) FindAnyPieces(ctx context.Context, key string) ([]model.IndexedPiece, error) {
	return s.store.GetMany(ctx, key, model.N)
}

func (s *Service) PieceExists(ctx context.Context, loc model.PieceLocator) (bool, error) {
	return s.store.Exists(ctx, loc)
}

// Register installs the handlers of every peer RPC on mux.
func (s *Service) Register(mux *transport.Mux) {
	mux.Handle(transport.MessageTypeSendPiece, s.handleSendPiece)
	mux.Handle(transport.MessageTypeRequestPiece, s.handleRequestPiece)
	mux.Handle(transport.MessageTypeRequestAnyPieces, s.handleRequestAnyPieces)
	mux.Handle(transport.MessageTypePieceExists, s.handlePieceExists)
	mux.Handle(transport.MessageTypeRequestCapacity, s.handleRequestCapacity)
	mux.Handle(transport.MessageTypePing1, handlePing1)
	mux.Handle(transport.MessageTypePing2, s.handlePing2)
}

func (s *Service) handleSendPiece(ctx context.Context, payload []byte) ([]byte, error) {
	p, err := decodeSendPiece(payload)
	if err != nil {
		return nil, err
	}
	err = s.SavePiece(ctx, p)
	if errors.Is(err, model.ErrRejected) {
		return encodeStatus(statusRejected), nil
	}
	if err != nil {
		return nil, err
	}
	return encodeStatus(statusAccepted), nil
}

func (s *Service) handleRequestPiece(ctx context.Context, payload []byte) ([]byte, error) {
	loc, err := decodeLocator(payload)
	if err != nil {
		return nil, err
	}
	data, err := s.FindPiece(ctx, loc)
	if errors.Is(err, model.ErrNotFound) {
		return encodeOptionalPiece(nil, false), nil
	}
	if err != nil {
		return nil, err
	}
	return encodeOptionalPiece(data, true), nil
}

func (s *Service) handleRequestAnyPieces(ctx context.Context, payload []byte) ([]byte, error) {
	key, err := decodeKey(payload)
	if err != nil {
		return nil, err
	}
	pieces, err := s.FindAnyPieces(ctx, key)
	if err != nil {
		return nil, err
	}
	return encodePieces(pieces), nil
}

func (s *Service) handlePieceExists(ctx context.Context, payload []byte) ([]byte, error) {
	loc, err := decodeLocator(payload)
	if err != nil {
		return nil, err
	}
	ok, err := s.PieceExists(ctx, loc)
	if err != nil {
		return nil, err
	}
	return encodeBool(ok), nil
}

func (s *Service) handleRequestCapacity(context.Context, []byte) ([]byte, error) {
	return encodeFloat(s.capacity()), nil
}

func handlePing1(context.Context, []byte) ([]byte, error) {
	return nil, nil
}

// handlePing2 probes the target on behalf of the caller.
func (s *Service) handlePing2(ctx context.Context, payload []byte) ([]byte, error) {
	target, err := decodeTarget(payload)
	if err != nil {
		return nil, err
	}
	return encodeBool(s.prober.Ping1(ctx, target)), nil
}
