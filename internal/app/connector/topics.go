package connector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/pkg/resilience"
)

const (
	pushTopicSObject    = "PushTopic"
	DefaultTopicVersion = 49
)

// TopicName derives the PushTopic name for a normalized query: the MD5 digest
// with its two halves XORed together, in hex.
func TopicName(query string) string {
	sum := md5.Sum([]byte(query))
	half := len(sum) / 2
	folded := make([]byte, half)
	for i := 0; i < half; i++ {
		folded[i] = sum[i] ^ sum[half+i]
	}
	return hex.EncodeToString(folded)
}

func newPushTopic(name, query string, apiVersion int) domain.Topic {
	return domain.Topic{
		Name:                       name,
		Query:                      query,
		ApiVersion:                 apiVersion,
		IsActive:                   true,
		NotifyForFields:            "Referenced",
		NotifyForOperationCreate:   true,
		NotifyForOperationUpdate:   true,
		NotifyForOperationDelete:   true,
		NotifyForOperationUndelete: true,
	}
}

// TopicReconciler makes sure every registered query has a PushTopic and a
// streaming subscription bound to the router. Topics that are no longer
// wanted are left on the server.
type TopicReconciler struct {
	router     *EventRouter
	breaker    *resilience.CircuitBreaker
	apiVersion int
	// lifetime bounds message dispatch, which outlives any single reconcile call
	lifetime context.Context

	log     zerolog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer

	mu       sync.Mutex
	active   map[string]bool
	inflight map[string]chan struct{}
}

func NewTopicReconciler(
	lifetime context.Context,
	router *EventRouter,
	breaker *resilience.CircuitBreaker,
	apiVersion int,
	log zerolog.Logger,
	m *metrics.Recorder,
) *TopicReconciler {
	if apiVersion <= 0 {
		apiVersion = DefaultTopicVersion
	}
	return &TopicReconciler{
		router:     router,
		breaker:    breaker,
		apiVersion: apiVersion,
		lifetime:   lifetime,
		log:        log,
		metrics:    m,
		tracer:     otel.Tracer("github.com/salesforce-connector/connector"),
		active:     make(map[string]bool),
		inflight:   make(map[string]chan struct{}),
	}
}

// IsActive reports whether the topic already has a bound subscription.
func (t *TopicReconciler) IsActive(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[name]
}

// Reset forgets all subscriptions; used when the session they belong to is
// replaced.
func (t *TopicReconciler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.ActiveSubscriptions.Sub(float64(len(t.active)))
	t.active = make(map[string]bool)
}

// Reconcile upserts and subscribes every query not yet active. Queries are
// handled concurrently and independently; all failures are returned joined.
func (t *TopicReconciler) Reconcile(ctx context.Context, session domain.Session, queries []string) error {
	ctx, span := t.tracer.Start(ctx, "TopicReconciler.Reconcile",
		trace.WithAttributes(attribute.Int("queries", len(queries))))
	defer span.End()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, q := range queries {
		query := q
		g.Go(func() error {
			if err := t.ensure(ctx, session, query); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
	}
	return err
}

func (t *TopicReconciler) ensure(ctx context.Context, session domain.Session, query string) error {
	name := TopicName(query)

	release, ok, err := t.claim(ctx, name)
	if err != nil || !ok {
		return err
	}
	defer release()

	t.log.Info().Str("topic", name).Str("query", query).Msg("Listening for query")

	action, err := t.upsert(ctx, session, name, query)
	if err != nil {
		t.metrics.TopicsReconciled.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("push topic %s: %w", name, err)
	}
	t.metrics.TopicsReconciled.WithLabelValues(action, "success").Inc()

	err = session.Subscribe(ctx, name, func(msg domain.Message) {
		t.router.Dispatch(t.lifetime, name, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	t.mu.Lock()
	t.active[name] = true
	t.mu.Unlock()
	t.metrics.ActiveSubscriptions.Inc()
	return nil
}

// claim gives the caller exclusive ownership of reconciling name. ok is false
// when the topic is already active; concurrent claimants wait for the owner.
func (t *TopicReconciler) claim(ctx context.Context, name string) (release func(), ok bool, err error) {
	for {
		t.mu.Lock()
		if t.active[name] {
			t.mu.Unlock()
			return nil, false, nil
		}
		wait, busy := t.inflight[name]
		if !busy {
			done := make(chan struct{})
			t.inflight[name] = done
			t.mu.Unlock()
			return func() {
				t.mu.Lock()
				delete(t.inflight, name)
				t.mu.Unlock()
				close(done)
			}, true, nil
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (t *TopicReconciler) upsert(ctx context.Context, session domain.Session, name, query string) (string, error) {
	topics := session.SObject(pushTopicSObject)
	topic := newPushTopic(name, query, t.apiVersion)
	action := "find"

	err := t.breaker.Do(ctx, func() error {
		existing, err := topics.Find(ctx, map[string]string{"Name": name}, "Id")
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		if len(existing) == 0 {
			action = "create"
			if _, err := topics.Create(ctx, topic); err != nil {
				return fmt.Errorf("create: %w", err)
			}
			return nil
		}
		action = "update"
		if err := topics.Update(ctx, existing[0].ID(), topic); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		return nil
	})
	return action, err
}
