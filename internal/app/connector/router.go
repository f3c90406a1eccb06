package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/metrics"
)

// EventRouter holds the registered event configs and fans streaming messages
// out to the handlers of the matching topic.
type EventRouter struct {
	mu      sync.RWMutex
	order   []string
	configs map[string]domain.EventConfig

	log     zerolog.Logger
	metrics *metrics.Recorder
}

func NewEventRouter(log zerolog.Logger, m *metrics.Recorder) *EventRouter {
	return &EventRouter{
		configs: make(map[string]domain.EventConfig),
		log:     log,
		metrics: m,
	}
}

// Register adds cfg, replacing any config with the same ID. It reports
// whether cfg's query had no other registration before.
func (r *EventRouter) Register(cfg domain.EventConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	newQuery := true
	for id, existing := range r.configs {
		if id != cfg.ID && existing.Query == cfg.Query {
			newQuery = false
			break
		}
	}

	if _, ok := r.configs[cfg.ID]; !ok {
		r.order = append(r.order, cfg.ID)
	}
	r.configs[cfg.ID] = cfg
	return newQuery
}

func (r *EventRouter) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[id]; !ok {
		return false
	}
	delete(r.configs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Events returns the registered configs in registration order.
func (r *EventRouter) Events() []domain.EventConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.EventConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.configs[id])
	}
	return out
}

// Queries returns each distinct registered query once.
func (r *EventRouter) Queries() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, cfg := range r.Events() {
		if _, ok := seen[cfg.Query]; ok {
			continue
		}
		seen[cfg.Query] = struct{}{}
		out = append(out, cfg.Query)
	}
	return out
}

// Dispatch runs every handler registered for topic. A failing or panicking
// handler is logged and counted; the others still run.
func (r *EventRouter) Dispatch(ctx context.Context, topic string, msg domain.Message) int {
	var targets []domain.EventConfig
	for _, cfg := range r.Events() {
		if cfg.TopicName == topic {
			targets = append(targets, cfg)
		}
	}

	r.metrics.EventsDispatched.WithLabelValues(topic).Inc()

	var wg sync.WaitGroup
	for _, cfg := range targets {
		wg.Add(1)
		go func(cfg domain.EventConfig) {
			defer wg.Done()
			if err := runHandler(ctx, cfg, msg); err != nil {
				r.metrics.HandlerErrors.WithLabelValues(topic).Inc()
				r.log.Error().
					Err(err).
					Str("event_id", cfg.ID).
					Str("topic", topic).
					Msg("Event handler failed")
			}
		}(cfg)
	}
	wg.Wait()

	return len(targets)
}

func runHandler(ctx context.Context, cfg domain.EventConfig, msg domain.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	if cfg.Handler == nil {
		return nil
	}
	return cfg.Handler(ctx, msg)
}
