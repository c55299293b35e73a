package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/fairvault/pkg/logging"
	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/rounds"
	"github.com/vctt94/fairvault/pkg/vault"
)

// Notifier is told about sessions that are ready for settlement.
type Notifier interface {
	Notify(sessionID string)
}

// Config holds the server's collaborators and policy.
type Config struct {
	DB         Database
	Vault      *vault.Service
	Registry   *primitive.Registry
	Settlement Notifier
	LogBackend *logging.LogBackend
	// Snapshots serves vault_history; optional.
	Snapshots vault.SnapshotStore

	// Entropy feeds house nonces and house-drawn game state. Nil uses
	// crypto/rand.
	Entropy      io.Reader
	HouseEdgeBps int64
	// SessionTTL is the idle time after which an active session expires.
	// Zero disables expiry.
	SessionTTL time.Duration
	Now        func() time.Time

	EventQueueSize int
	EventWorkers   int
}

// Server is the session engine. It owns the in-memory state of every active
// session and serializes all actions on one session behind that session's
// lock.
type Server struct {
	log          slog.Logger
	logBackend   *logging.LogBackend
	db           Database
	registry     *primitive.Registry
	rounds       *rounds.Coordinator
	vault        *vault.Service
	snapshots    vault.SnapshotStore
	settlement   Notifier
	entropy      io.Reader
	houseEdgeBps int64
	sessionTTL   time.Duration
	now          func() time.Time

	sessions map[string]*sessionEntry
	mu       sync.RWMutex

	hub *Hub

	// Event-driven architecture components
	eventProcessor *EventProcessor
}

// NewServer creates the session engine and restores the sessions that were
// active when the process last stopped.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("database is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("vault service is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = primitive.DefaultRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 1000
	}
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = 3
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend = logging.Discard()
	}

	s := &Server{
		log:          cfg.LogBackend.Logger("SERVER"),
		logBackend:   cfg.LogBackend,
		db:           cfg.DB,
		registry:     cfg.Registry,
		vault:        cfg.Vault,
		snapshots:    cfg.Snapshots,
		settlement:   cfg.Settlement,
		entropy:      cfg.Entropy,
		houseEdgeBps: cfg.HouseEdgeBps,
		sessionTTL:   cfg.SessionTTL,
		now:          cfg.Now,
		sessions:     make(map[string]*sessionEntry),
	}
	s.rounds = rounds.NewCoordinator(rounds.Config{
		Store:    cfg.DB,
		Registry: cfg.Registry,
		Log:      cfg.LogBackend.Logger("ROUND"),
		Entropy:  cfg.Entropy,
		Now:      cfg.Now,
	})
	s.hub = NewHub(cfg.LogBackend.Logger("WS"))

	s.eventProcessor = NewEventProcessor(s, cfg.EventQueueSize, cfg.EventWorkers)
	s.eventProcessor.Start()

	// Load persisted sessions on startup
	if err := s.loadActiveSessions(context.Background()); err != nil {
		s.log.Errorf("Failed to load persisted sessions: %v", err)
	}
	return s, nil
}

// Stop gracefully stops the server, flushing any session whose last write
// failed.
func (s *Server) Stop() {
	if s.eventProcessor != nil {
		s.eventProcessor.Stop()
	}
	if n := s.flushDirty(context.Background()); n > 0 {
		s.log.Infof("Flushed %d sessions on shutdown", n)
	}
}

// Hub returns the registry of connected players.
func (s *Server) Hub() *Hub { return s.hub }

// ActiveSessions is the number of sessions held in memory.
func (s *Server) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) getEntry(sessionID string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *Server) entries() []*sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

// evict drops a durable closed session from memory and frees its vault
// reservation. Callers hold e.mu.
func (s *Server) evict(e *sessionEntry) {
	s.mu.Lock()
	if s.sessions[e.id] == e {
		delete(s.sessions, e.id)
	}
	s.mu.Unlock()
	e.evicted = true
	s.vault.Release(e.id)
}

// acquire returns the live entry of sessionID locked. The caller must own the
// session and must unlock the entry.
func (s *Server) acquire(ctx context.Context, sessionID, playerID string) (*sessionEntry, error) {
	if e := s.getEntry(sessionID); e != nil {
		e.mu.Lock()
		if !e.evicted {
			if e.playerID != playerID {
				e.mu.Unlock()
				return nil, ErrNotOwner
			}
			return e, nil
		}
		e.mu.Unlock()
	}

	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.PlayerID != playerID {
		return nil, ErrNotOwner
	}
	return nil, ErrSessionClosed
}
