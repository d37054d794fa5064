package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const SelectionKey = "selection:active"

var ErrUnknownSelection = errors.New("unknown instrument")

type Selection struct {
	Instrument  string `json:"instrument"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

func LoadSelection(ctx context.Context, store Store) (Selection, bool, error) {
	if store == nil {
		return Selection{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, SelectionKey)
	if err != nil {
		return Selection{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return Selection{}, false, nil
	}
	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return Selection{}, false, err
	}
	return sel, true, nil
}

func SaveSelection(ctx context.Context, store Store, sel Selection) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(sel)
	if err != nil {
		return err
	}
	return store.Set(ctx, SelectionKey, string(payload))
}

// Registry reports whether an instrument is known.
type Registry interface {
	Has(instrument string) bool
}

// Selector tracks which instrument the UI is looking at.
type Selector struct {
	store    Store
	registry Registry
	log      *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	active string
}

// NewSelector restores the persisted selection when it still names a
// registered instrument and falls back to fallback otherwise. A store read
// failure is logged, not returned.
func NewSelector(ctx context.Context, store Store, registry Registry, fallback string, log *zap.Logger) (*Selector, error) {
	if registry == nil {
		return nil, errors.New("selector registry is required")
	}
	if !registry.Has(fallback) {
		return nil, fmt.Errorf("default selection %q: %w", fallback, ErrUnknownSelection)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Selector{store: store, registry: registry, log: log, now: time.Now, active: fallback}
	sel, ok, err := LoadSelection(ctx, store)
	switch {
	case err != nil:
		log.Warn("selection restore failed", zap.Error(err))
	case ok && registry.Has(sel.Instrument):
		s.active = sel.Instrument
		log.Info("selection restored", zap.String("instrument", sel.Instrument))
	case ok:
		log.Info("persisted selection no longer registered", zap.String("instrument", sel.Instrument))
	}
	return s, nil
}

func (s *Selector) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Select switches the active instrument. The in-memory choice changes even
// when persisting it fails; the store error is still returned.
func (s *Selector) Select(ctx context.Context, instrument string) error {
	instrument = strings.TrimSpace(instrument)
	if !s.registry.Has(instrument) {
		return fmt.Errorf("%w: %q", ErrUnknownSelection, instrument)
	}
	s.mu.Lock()
	changed := s.active != instrument
	s.active = instrument
	s.mu.Unlock()
	if changed {
		s.log.Info("selection changed", zap.String("instrument", instrument))
	}
	sel := Selection{Instrument: instrument, UpdatedAtMS: s.now().UnixMilli()}
	if err := SaveSelection(ctx, s.store, sel); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	return nil
}
