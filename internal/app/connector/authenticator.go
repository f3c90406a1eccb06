package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/pkg/barrier"
)

type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAwaitingCallback
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

const successPage = `<html><head><title>Authenticated</title></head><body>` +
	`<h1>Authentication successful</h1>` +
	`<p>You can safely close this window</p>` +
	`</body></html>`

const callbackFailure = "Error authenticating with Salesforce"

// Authenticator drives the OAuth authorization-code flow and owns the
// credentials and the session built from them.
type Authenticator struct {
	account  domain.Account
	platform domain.Platform
	vault    *Vault
	barrier  *barrier.Barrier
	opener   domain.BrowserOpener
	states   StateManager
	timeout  time.Duration

	started   func() bool
	onConnect func(ctx context.Context, session domain.Session)
	lifetime  context.Context

	log     zerolog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer

	// connectMu serializes session construction.
	connectMu sync.Mutex

	mu          sync.Mutex
	state       AuthState
	credentials *domain.Credentials
	session     domain.Session
}

type authenticatorConfig struct {
	account   domain.Account
	platform  domain.Platform
	vault     *Vault
	opener    domain.BrowserOpener
	states    StateManager
	timeout   time.Duration
	preset    *domain.Credentials
	started   func() bool
	onConnect func(ctx context.Context, session domain.Session)
	lifetime  context.Context
	log       zerolog.Logger
	metrics   *metrics.Recorder
}

func newAuthenticator(cfg authenticatorConfig) *Authenticator {
	a := &Authenticator{
		account:   cfg.account,
		platform:  cfg.platform,
		vault:     cfg.vault,
		barrier:   barrier.New(),
		opener:    cfg.opener,
		states:    cfg.states,
		timeout:   cfg.timeout,
		started:   cfg.started,
		onConnect: cfg.onConnect,
		lifetime:  cfg.lifetime,
		log:       cfg.log,
		metrics:   cfg.metrics,
		tracer:    otel.Tracer("github.com/salesforce-connector/connector"),
	}
	if cfg.preset != nil {
		creds := *cfg.preset
		a.credentials = &creds
		a.state = StateAuthenticated
	}
	return a
}

func (a *Authenticator) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credentials != nil
}

// Session returns the live session, or nil before one is established.
func (a *Authenticator) Session() domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Connection returns the live session, building it from in-memory or stored
// credentials on first use. ErrNotAuthenticated means neither exists.
func (a *Authenticator) Connection(ctx context.Context) (domain.Session, error) {
	if s := a.Session(); s != nil {
		return s, nil
	}

	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	session, known := a.session, a.credentials
	a.mu.Unlock()
	if session != nil {
		return session, nil
	}

	var creds domain.Credentials
	if known != nil {
		creds = *known
		if err := a.vault.Persist(ctx, creds); err != nil {
			return nil, err
		}
	} else {
		loaded, err := a.vault.Load(ctx)
		if err != nil {
			return nil, err
		}
		creds = loaded
	}

	session, err := a.platform.Connect(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	a.establish(ctx, creds, session)
	return session, nil
}

// Authenticate makes sure the connector holds credentials. With nothing
// stored it opens the authorization URL and blocks until a callback
// completes, ctx ends or the configured timeout (if any) passes.
func (a *Authenticator) Authenticate(ctx context.Context) error {
	if a.IsAuthenticated() {
		return ErrAlreadyAuthenticated
	}

	// Join first so a callback landing while stored credentials are checked
	// still releases this caller.
	released := a.barrier.Join()

	_, err := a.Connection(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotAuthenticated) {
		return err
	}
	if a.started == nil || !a.started() {
		return ErrNotStarted
	}

	url, err := a.AuthorizationURL(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.state == StateUnauthenticated {
		a.state = StateAwaitingCallback
	}
	a.mu.Unlock()

	a.log.Info().Str("url", url).Msg("Please use your browser to login with Salesforce")
	if a.opener != nil {
		if err := a.opener.Open(url); err != nil {
			a.log.Warn().Err(err).Msg("Failed to open browser; visit the URL manually")
		}
	}

	waitCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := barrier.Await(waitCtx, released); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrAuthTimeout
		}
		return err
	}
	return nil
}

// AuthorizationURL builds the URL the user visits to grant access.
func (a *Authenticator) AuthorizationURL(ctx context.Context) (string, error) {
	var state string
	if a.states != nil {
		s, err := a.states.GenerateState(ctx)
		if err != nil {
			return "", fmt.Errorf("authorization url: %w", err)
		}
		state = s
	}
	return a.platform.AuthorizationURL(a.account.RedirectURI, state), nil
}

// HandleCallback completes the flow for the code Salesforce redirected
// with. It returns the HTTP status and body to answer with.
func (a *Authenticator) HandleCallback(ctx context.Context, code, state string) (int, string) {
	if strings.TrimSpace(code) == "" {
		a.metrics.AuthCallbacks.WithLabelValues("bad_request").Inc()
		return http.StatusBadRequest, "Invalid code"
	}
	if a.states != nil {
		if err := a.states.ValidateState(ctx, state); err != nil {
			a.log.Warn().Err(err).Msg("Invalid OAuth state parameter")
			a.metrics.AuthCallbacks.WithLabelValues("bad_request").Inc()
			return http.StatusBadRequest, "Invalid state"
		}
	}

	ctx, span := a.tracer.Start(ctx, "Authenticator.HandleCallback")
	defer span.End()

	if err := a.complete(ctx, code); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		a.log.Error().Err(err).Msg("Failed to complete Salesforce authorization")
		a.metrics.AuthCallbacks.WithLabelValues("error").Inc()
		return http.StatusInternalServerError, callbackFailure
	}

	a.metrics.AuthCallbacks.WithLabelValues("success").Inc()
	return http.StatusOK, successPage
}

func (a *Authenticator) complete(ctx context.Context, code string) error {
	creds, identity, err := a.platform.Exchange(ctx, a.account.RedirectURI, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	a.log.Info().
		Str("user_id", identity.UserID).
		Str("organization_id", identity.OrganizationID).
		Str("identity_url", identity.URL).
		Msg("Authorized with Salesforce")

	if err := a.vault.Persist(ctx, creds); err != nil {
		return err
	}

	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	session, err := a.platform.Connect(ctx, creds)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.establish(ctx, creds, session)
	return nil
}

// establish installs session, starts the refresh listener, lets the
// connector bind its topics and finally releases any Authenticate call
// waiting on the barrier.
func (a *Authenticator) establish(ctx context.Context, creds domain.Credentials, session domain.Session) {
	a.mu.Lock()
	previous := a.session
	a.session = session
	a.credentials = &creds
	a.state = StateAuthenticated
	a.mu.Unlock()

	if previous != nil && previous != session {
		if err := previous.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close previous session")
		}
	}

	worker := NewRefreshWorker(a.vault, 0, a.setAccessToken, a.log, a.metrics)
	go worker.Run(a.lifetime, session.Refreshes())

	if a.onConnect != nil {
		a.onConnect(ctx, session)
	}

	a.barrier.Arrive()
}

func (a *Authenticator) setAccessToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credentials != nil {
		a.credentials.AccessToken = token
	}
}

// Close drops the session. Credentials stay in the vault.
func (a *Authenticator) Close() error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

// ServeHTTP answers GET AuthPath with the callback result.
func (a *Authenticator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != AuthPath {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	status, body := a.HandleCallback(r.Context(), query.Get("code"), query.Get("state"))

	if status == http.StatusOK {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	http.Error(w, body, status)
}
