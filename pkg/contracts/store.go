package contracts

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store exposes the active contract set. Reload swaps the whole set
// atomically; readers never observe a partial update.
type Store struct {
	dir     string
	current atomic.Pointer[Contracts]
	logger  *slog.Logger

	mu       sync.Mutex
	onReload []func(*Contracts)
}

// NewStore loads the contracts in dir. A load failure is fatal to the
// caller.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	c, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s := newStore(dir, logger)
	s.current.Store(c)
	s.logger.Info("contracts loaded",
		"dir", dir,
		"dp", c.DP.ID,
		"se", c.SE.ID,
		"cs", c.CS.ID,
		"tac", c.TAC.ID,
	)
	return s, nil
}

// NewStaticStore wraps an already loaded contract set.
func NewStaticStore(c *Contracts) *Store {
	s := newStore(c.Dir, nil)
	s.current.Store(c)
	return s
}

func newStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With("component", "contracts")}
}

// Current returns the active contract set.
func (s *Store) Current() *Contracts {
	return s.current.Load()
}

// OnReload registers a callback invoked after a successful reload.
func (s *Store) OnReload(fn func(*Contracts)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Reload loads the directory again. On failure the previous set stays
// active and the error is returned.
func (s *Store) Reload() error {
	c, err := Load(s.dir)
	if err != nil {
		s.logger.Error("contract reload failed; keeping previous set", "error", err)
		return err
	}

	s.mu.Lock()
	s.current.Store(c)
	callbacks := append([]func(*Contracts){}, s.onReload...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(c)
	}
	s.logger.Info("contracts reloaded", "dir", s.dir, "tac", c.TAC.ID)
	return nil
}

// Swap replaces the active set directly.
func (s *Store) Swap(c *Contracts) {
	s.current.Store(c)
}
