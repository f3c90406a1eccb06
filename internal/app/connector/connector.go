package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/pkg/cipher"
	"github.com/salesforce-connector/pkg/logger"
	"github.com/salesforce-connector/pkg/resilience"
)

// AuthPath is where the host must route the OAuth redirect.
const AuthPath = "/salesforce-connector/oauth"

// Host is what an embedding application drives.
type Host interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ServeHTTP(w http.ResponseWriter, r *http.Request)
	Events() []domain.EventConfig
}

var _ Host = (*Connector)(nil)

type Options struct {
	ClientID     string
	ClientSecret string
	// BaseURL is the public https origin the callback is reachable on.
	BaseURL string
	// EncryptionKey is 64 hex characters; EncryptionKeyBytes may carry the
	// 32 raw bytes instead.
	EncryptionKey      string
	EncryptionKeyBytes []byte
	// Optional pre-issued tokens for headless operation.
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	// TopicAPIVersion is the ApiVersion written on PushTopics.
	TopicAPIVersion int
	// AuthTimeout bounds how long Authenticate waits for the callback.
	// Zero waits until the context ends.
	AuthTimeout time.Duration
}

type Option func(*Connector)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Connector) {
		c.log = log
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

func WithBrowserOpener(opener domain.BrowserOpener) Option {
	return func(c *Connector) {
		c.opener = opener
	}
}

func WithStateManager(states StateManager) Option {
	return func(c *Connector) {
		c.states = states
	}
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Connector) {
		c.breaker = cb
	}
}

// Connector keeps one authenticated Salesforce session and delivers
// streaming notifications for registered queries.
type Connector struct {
	account domain.Account
	key     cipher.Key
	preset  *domain.Credentials

	auth   *Authenticator
	vault  *Vault
	router *EventRouter
	topics *TopicReconciler

	opener  domain.BrowserOpener
	states  StateManager
	breaker *resilience.CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Recorder

	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates opts and wires the connector. Invalid options fail with
// ErrInvalidConfiguration before any network call.
func New(opts Options, platform domain.Platform, store domain.KeyValueStore, options ...Option) (*Connector, error) {
	clientID, err := ValidateClientID(opts.ClientID)
	if err != nil {
		return nil, err
	}
	clientSecret, err := ValidateClientSecret(opts.ClientSecret)
	if err != nil {
		return nil, err
	}
	baseURL, err := ValidateBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	key, err := parseEncryptionKey(opts)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		account: domain.Account{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  baseURL + AuthPath,
		},
		key:     key,
		log:     logger.Component("salesforce"),
		metrics: metrics.Nop(),
	}

	if opts.AccessToken != "" {
		preset, err := presetCredentials(opts)
		if err != nil {
			return nil, err
		}
		c.preset = preset
	}

	for _, opt := range options {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = resilience.New("salesforce-push-topics", resilience.Settings{
			OnStateChange: c.metrics.BreakerStateChanged,
		})
	}

	c.lifetime, c.cancel = context.WithCancel(context.Background())
	c.vault = NewVault(store, key)
	c.router = NewEventRouter(c.log, c.metrics)
	c.topics = NewTopicReconciler(c.lifetime, c.router, c.breaker, opts.TopicAPIVersion, c.log, c.metrics)
	c.auth = newAuthenticator(authenticatorConfig{
		account:   c.account,
		platform:  platform,
		vault:     c.vault,
		opener:    c.opener,
		states:    c.states,
		timeout:   opts.AuthTimeout,
		preset:    c.preset,
		started:   c.isStarted,
		onConnect: c.onConnect,
		lifetime:  c.lifetime,
		log:       c.log,
		metrics:   c.metrics,
	})

	return c, nil
}

func parseEncryptionKey(opts Options) (cipher.Key, error) {
	var (
		key cipher.Key
		err error
	)
	if opts.EncryptionKeyBytes != nil {
		key, err = cipher.KeyFromBytes(opts.EncryptionKeyBytes)
	} else {
		key, err = cipher.ParseKey(opts.EncryptionKey)
	}
	if err != nil {
		return cipher.Key{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return key, nil
}

func presetCredentials(opts Options) (*domain.Credentials, error) {
	access, err := ValidateToken(opts.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := ValidateToken(opts.RefreshToken)
	if err != nil {
		return nil, err
	}
	instance, err := ValidateBaseURL(opts.InstanceURL)
	if err != nil {
		return nil, err
	}
	return &domain.Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		InstanceURL:  instance,
	}, nil
}

func (c *Connector) Account() domain.Account {
	return c.account
}

// NeedsCallback reports whether the host has to route AuthPath to the
// connector. Connectors built with pre-issued tokens never use it.
func (c *Connector) NeedsCallback() bool {
	return c.preset == nil
}

func (c *Connector) AuthPath() string {
	return AuthPath
}

func (c *Connector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// connection is the session for passthrough calls. A stopped connector no
// longer builds sessions.
func (c *Connector) connection(ctx context.Context) (domain.Session, error) {
	if c.isStopped() {
		return nil, ErrStopped
	}
	return c.auth.Connection(ctx)
}

func (c *Connector) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Start marks the callback endpoint as reachable and binds topics for all
// registered events if a session already exists.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.started = true
	c.mu.Unlock()

	// Pre-issued tokens need no handshake, so connect now; binding topics
	// happens as part of establishing the session.
	if c.preset != nil && c.auth.Session() == nil {
		_, err := c.auth.Connection(ctx)
		return err
	}
	return c.reconcileAll(ctx)
}

// Stop closes the session and ends background work. A stopped connector
// cannot be started again.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.started = false
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.topics.Reset()
	return c.auth.Close()
}

func (c *Connector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.auth.ServeHTTP(w, r)
}

func (c *Connector) Events() []domain.EventConfig {
	return c.router.Events()
}

func (c *Connector) AuthState() AuthState {
	return c.auth.State()
}

func (c *Connector) IsAuthenticated() bool {
	return c.auth.IsAuthenticated()
}

func (c *Connector) Authenticate(ctx context.Context) error {
	if c.isStopped() {
		return ErrStopped
	}
	return c.auth.Authenticate(ctx)
}

// AuthorizationURL returns the login URL without opening it.
func (c *Connector) AuthorizationURL(ctx context.Context) (string, error) {
	return c.auth.AuthorizationURL(ctx)
}

// On registers handler for changes matching query. id identifies the
// registration; an empty id is derived from the account and query, so
// registering the same query twice without an id replaces the handler.
func (c *Connector) On(query string, handler domain.EventHandler, id string) (domain.EventConfig, error) {
	normalized, err := NormalizeQuery(query)
	if err != nil {
		return domain.EventConfig{}, err
	}
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.account.ClientID+"|"+normalized)).String()
	}

	cfg := domain.EventConfig{
		ID:        id,
		Query:     normalized,
		TopicName: TopicName(normalized),
		Handler:   handler,
	}
	if !c.router.Register(cfg) {
		c.log.Debug().Str("topic", cfg.TopicName).Msg("Query already registered; sharing topic")
	}

	session := c.auth.Session()
	if c.isStarted() && session != nil && !c.topics.IsActive(cfg.TopicName) {
		go func() {
			if err := c.topics.Reconcile(c.lifetime, session, []string{normalized}); err != nil {
				c.log.Error().Err(err).Str("topic", cfg.TopicName).Msg("Failed to bind push topic")
			}
		}()
	}
	return cfg, nil
}

// Off removes a registration. The PushTopic and its subscription stay.
func (c *Connector) Off(id string) bool {
	return c.router.Unregister(id)
}

// onConnect binds topics for every registered event. It runs under the
// connector lifetime since the caller that established the session (a
// callback request, a passthrough call) may end before binding does.
func (c *Connector) onConnect(_ context.Context, _ domain.Session) {
	c.topics.Reset()
	if err := c.reconcileAll(c.lifetime); err != nil {
		c.log.Error().Err(err).Msg("Failed to create push topics for events")
	}
}

func (c *Connector) reconcileAll(ctx context.Context) error {
	session := c.auth.Session()
	if !c.isStarted() || session == nil {
		return nil
	}
	queries := c.router.Queries()
	if len(queries) == 0 {
		return nil
	}
	c.log.Info().Int("queries", len(queries)).Msg("Creating push topics for events")
	return c.topics.Reconcile(ctx, session, queries)
}

// Query runs a SOQL query of the restricted SELECT ... FROM ... shape.
func (c *Connector) Query(ctx context.Context, soql string) (*domain.QueryResult, error) {
	normalized, err := NormalizeQuery(soql)
	if err != nil {
		return nil, err
	}
	session, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return session.Query(ctx, normalized)
}

func (c *Connector) SObject(ctx context.Context, name string) (domain.SObject, error) {
	session, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return session.SObject(name), nil
}

// Map retrieves every record of type one at a time and applies fn to each.
func (c *Connector) Map(ctx context.Context, sobject string, fn func(context.Context, domain.Record) (interface{}, error)) ([]interface{}, error) {
	so, err := c.SObject(ctx, sobject)
	if err != nil {
		return nil, err
	}
	ids, err := so.Find(ctx, nil, "Id")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sobject, err)
	}

	out := make([]interface{}, 0, len(ids))
	for _, row := range ids {
		record, err := so.Retrieve(ctx, row.ID())
		if err != nil {
			return out, fmt.Errorf("retrieve %s %s: %w", sobject, row.ID(), err)
		}
		v, err := fn(ctx, record)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SDK exposes the raw session.
func (c *Connector) SDK(ctx context.Context) (domain.Session, error) {
	return c.connection(ctx)
}
