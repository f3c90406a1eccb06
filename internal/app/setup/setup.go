package setup

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/salesforce-connector/internal/app/config"
	"github.com/salesforce-connector/internal/app/connector"
	"github.com/salesforce-connector/internal/domain"
	awsSM "github.com/salesforce-connector/internal/infrastructure/aws/secretsmanager"
	"github.com/salesforce-connector/internal/infrastructure/memory"
	pg "github.com/salesforce-connector/internal/infrastructure/postgres"
	"github.com/salesforce-connector/internal/infrastructure/redis"
	"github.com/salesforce-connector/internal/infrastructure/salesforce"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/pkg/logger"
	"github.com/salesforce-connector/pkg/resilience"
)

// Resources are the backing services opened for a credential store.
type Resources struct {
	Store domain.KeyValueStore
	// Redis is set when the store is Redis; it also backs OAuth states.
	Redis   *goredis.Client
	closers []func() error
}

func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to close resource")
		}
	}
}

// OpenStore connects the credential store selected by cfg.CredentialStore.
func OpenStore(ctx context.Context, cfg *config.Config) (*Resources, error) {
	res := &Resources{}

	switch cfg.CredentialStore {
	case config.StoreMemory, "":
		logger.Warn().Msg("Using in-memory credential store; credentials are lost on restart")
		res.Store = memory.NewStore()

	case config.StoreRedis:
		client, err := redis.InitClient(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		res.Redis = client
		res.closers = append(res.closers, client.Close)
		res.Store = redis.NewStore(client, "salesforce-connector:")

	case config.StorePostgres:
		db, err := pg.InitDb(ctx, cfg.DBDSN, pg.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		res.closers = append(res.closers, db.Close)
		if err := pg.RunMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			res.Close()
			return nil, err
		}
		res.Store = pg.NewStore(db)

	case config.StoreSecretsManager:
		awsCfg, err := config.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		res.Store = awsSM.NewStore(awsCfg, cfg.SecretPrefix,
			awsSM.WithRetry(cfg.AWSRetryMaxAttempts, cfg.AWSRetryMaxBackoff),
		)

	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.CredentialStore)
	}

	logger.Info().Str("store", cfg.CredentialStore).Msg("Credential store ready")
	return res, nil
}

func NewPlatform(cfg *config.Config) *salesforce.Client {
	return salesforce.NewClient(cfg.ClientID, cfg.ClientSecret,
		salesforce.WithLoginURL(cfg.LoginURL),
		salesforce.WithAPIVersion(cfg.APIVersion),
		salesforce.WithRetry(cfg.RetryMax, cfg.RetryWait),
		salesforce.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		salesforce.WithLogger(logger.Component("salesforce-client")),
	)
}

// NewConnector builds the connector for cfg on res. opener may be nil.
func NewConnector(cfg *config.Config, res *Resources, m *metrics.Recorder, opener domain.BrowserOpener) (*connector.Connector, error) {
	options := []connector.Option{
		connector.WithLogger(logger.Component("salesforce")),
		connector.WithMetrics(m),
		connector.WithCircuitBreaker(resilience.New("salesforce-push-topics", resilience.Settings{
			Interval:      cfg.CircuitBreakerInterval,
			Timeout:       cfg.CircuitBreakerTimeout,
			OnStateChange: m.BreakerStateChanged,
		})),
	}
	if opener != nil {
		options = append(options, connector.WithBrowserOpener(opener))
	}
	if res.Redis != nil {
		options = append(options, connector.WithStateManager(
			connector.NewOAuthStateManager(res.Redis, cfg.OAuthStateTimeout),
		))
	}

	return connector.New(connector.Options{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		BaseURL:       cfg.BaseURL,
		EncryptionKey: cfg.EncryptionKey,
		AccessToken:   cfg.AccessToken,
		RefreshToken:  cfg.RefreshToken,
		InstanceURL:   cfg.InstanceURL,
		AuthTimeout:   cfg.AuthTimeout,
	}, NewPlatform(cfg), res.Store, options...)
}
