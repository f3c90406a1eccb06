package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/salesforce-connector/internal/metrics"
)

// RefreshWorker consumes the access tokens a session emits after refreshing
// and writes each into the vault. Writes are detached from whatever request
// caused the refresh.
type RefreshWorker struct {
	vault   *Vault
	timeout time.Duration
	applied func(accessToken string)

	log     zerolog.Logger
	metrics *metrics.Recorder
}

func NewRefreshWorker(vault *Vault, timeout time.Duration, applied func(string), log zerolog.Logger, m *metrics.Recorder) *RefreshWorker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RefreshWorker{
		vault:   vault,
		timeout: timeout,
		applied: applied,
		log:     log,
		metrics: m,
	}
}

// Run blocks until tokens is closed or ctx ends.
func (w *RefreshWorker) Run(ctx context.Context, tokens <-chan string) {
	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				return
			}
			w.apply(ctx, token)
		case <-ctx.Done():
			w.log.Debug().Msg("Refresh listener stopped.")
			return
		}
	}
}

func (w *RefreshWorker) apply(ctx context.Context, accessToken string) {
	w.log.Info().Msg("Access token refreshed")

	if w.applied != nil {
		w.applied(accessToken)
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.vault.ApplyRefresh(writeCtx, accessToken); err != nil {
		w.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		w.log.Error().Err(err).Msg("Failed to persist refreshed access token")
		return
	}
	w.metrics.TokenRefreshes.WithLabelValues("success").Inc()
}
