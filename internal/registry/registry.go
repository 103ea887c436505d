// Package registry tracks the producers feeding orders into the fabric:
// bots, manual traders, API clients, and strategies. Each source carries an
// admission status and per-source routing counters.
package registry

import (
	"fmt"
	"sync"
	"time"

	"orderfabric/internal/config"
	"orderfabric/internal/core"
	apperrors "orderfabric/pkg/errors"
)

// Registration is the inbound registration payload.
type Registration struct {
	ID       string          `json:"id"`
	Kind     core.SourceKind `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Version  string          `json:"version,omitempty"`
	Strategy string          `json:"strategy,omitempty"`
}

// Statistics is the aggregate view over all sources.
type Statistics struct {
	TotalSources    int                      `json:"totalSources"`
	ByKind          map[core.SourceKind]int  `json:"byKind"`
	ByStatus        map[core.SourceStatus]int `json:"byStatus"`
	OrdersTotal     int64                    `json:"ordersTotal"`
	OrdersSucceeded int64                    `json:"ordersSucceeded"`
	OrdersRejected  int64                    `json:"ordersRejected"`
	Sources         []core.Source            `json:"sources"`
}

// Registry is the in-memory source table.
type Registry struct {
	cfg    config.SourceConfig
	logger core.ILogger

	mu      sync.RWMutex
	sources map[string]*core.Source
	day     time.Time
	now     func() time.Time
}

// New creates a source registry.
func New(cfg config.SourceConfig, logger core.ILogger) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  logger.WithField("component", "registry"),
		sources: make(map[string]*core.Source),
		now:     time.Now,
	}
	r.day = dayOf(r.now())
	return r
}

// Register adds or re-activates a source. BOT registrations must carry
// identity fields; other kinds only need an id.
func (r *Registry) Register(reg Registration) (*core.Source, error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("%w: registration missing id", apperrors.ErrUnknownSource)
	}
	if reg.Kind == "" {
		reg.Kind = core.SourceExternal
	}
	if reg.Kind == core.SourceBot {
		if reg.Name == "" || reg.Version == "" || reg.Strategy == "" {
			return nil, fmt.Errorf("%w: bot registration requires name, version and strategy",
				apperrors.ErrUnknownSource)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sources[reg.ID]; ok {
		existing.Kind = reg.Kind
		existing.Name = reg.Name
		existing.Version = reg.Version
		existing.Strategy = reg.Strategy
		existing.Status = core.SourceActive
		existing.LastActivity = r.now()
		r.logger.Info("source re-registered", "source", reg.ID, "kind", string(reg.Kind))
		return copySource(existing), nil
	}

	source := &core.Source{
		ID:           reg.ID,
		Kind:         reg.Kind,
		Name:         reg.Name,
		Version:      reg.Version,
		Strategy:     reg.Strategy,
		Status:       core.SourceActive,
		RegisteredAt: r.now(),
		LastActivity: r.now(),
	}
	r.sources[reg.ID] = source
	r.logger.Info("source registered", "source", reg.ID, "kind", string(reg.Kind))
	return copySource(source), nil
}

// Admit checks whether a source may route orders. Unknown sources are
// auto-registered as EXTERNAL when configured; otherwise rejected.
func (r *Registry) Admit(sourceID string) (*core.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollDayLocked()

	source, ok := r.sources[sourceID]
	if !ok {
		if !r.cfg.AutoRegisterUnknown {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSource, sourceID)
		}
		source = &core.Source{
			ID:           sourceID,
			Kind:         core.SourceExternal,
			Status:       core.SourceActive,
			RegisteredAt: r.now(),
		}
		r.sources[sourceID] = source
		r.logger.Info("auto-registered unknown source", "source", sourceID)
	}

	if source.Status != core.SourceActive {
		return nil, fmt.Errorf("%w: %s is %s", apperrors.ErrSourceDisabled, sourceID, source.Status)
	}

	source.LastActivity = r.now()
	return copySource(source), nil
}

// RecordOrder counts a routed order against the source.
func (r *Registry) RecordOrder(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollDayLocked()
	source, ok := r.sources[sourceID]
	if !ok {
		return
	}
	source.OrdersTotal++
	source.OrdersToday++
	source.LastActivity = r.now()
}

// RecordOutcome counts a terminal order state against the source.
func (r *Registry) RecordOutcome(sourceID string, status core.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.sources[sourceID]
	if !ok {
		return
	}
	switch status {
	case core.StatusFilled:
		source.OrdersSucceeded++
	case core.StatusRejected, core.StatusFailed:
		source.OrdersRejected++
	case core.StatusCancelled:
		source.OrdersCancelled++
	}
}

// UpdateStatus changes a source's admission state.
func (r *Registry) UpdateStatus(sourceID string, status core.SourceStatus) error {
	switch status {
	case core.SourceActive, core.SourcePaused, core.SourceDisabled, core.SourceMaintenance:
	default:
		return fmt.Errorf("invalid source status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.sources[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownSource, sourceID)
	}
	source.Status = status
	r.logger.Info("source status updated", "source", sourceID, "status", string(status))
	return nil
}

// Get returns a source snapshot.
func (r *Registry) Get(sourceID string) (*core.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source, ok := r.sources[sourceID]
	if !ok {
		return nil, false
	}
	return copySource(source), true
}

// GetStatistics returns the aggregate registry view.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalSources: len(r.sources),
		ByKind:       make(map[core.SourceKind]int),
		ByStatus:     make(map[core.SourceStatus]int),
		Sources:      make([]core.Source, 0, len(r.sources)),
	}
	for _, source := range r.sources {
		stats.ByKind[source.Kind]++
		stats.ByStatus[source.Status]++
		stats.OrdersTotal += source.OrdersTotal
		stats.OrdersSucceeded += source.OrdersSucceeded
		stats.OrdersRejected += source.OrdersRejected
		stats.Sources = append(stats.Sources, *source)
	}
	return stats
}

// rollDayLocked resets per-day counters on a day boundary.
func (r *Registry) rollDayLocked() {
	today := dayOf(r.now())
	if today.Equal(r.day) {
		return
	}
	r.day = today
	for _, source := range r.sources {
		source.OrdersToday = 0
	}
}

func copySource(s *core.Source) *core.Source {
	out := *s
	return &out
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
