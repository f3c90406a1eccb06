package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/salesforce-connector/pkg/logger"
)

type ClientOption = func(*secretsmanager.Options)

type ManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Store keeps each key in its own secret named prefix+key. Secrets Manager
// has no compare-and-swap, so Update is only serialized within this process.
type Store struct {
	client ManagerAPI
	prefix string

	mu sync.Mutex
}

func WithRetry(attempts int, maxBackoff time.Duration) ClientOption {
	return func(o *secretsmanager.Options) {
		o.Retryer = retry.NewStandard(func(so *retry.StandardOptions) {
			so.MaxAttempts = attempts
			so.MaxBackoff = maxBackoff
		})
	}
}

func NewStore(cfg aws.Config, prefix string, opts ...ClientOption) *Store {
	options := []func(*secretsmanager.Options){
		func(o *secretsmanager.Options) {
			o.Retryer = retry.NewStandard(func(so *retry.StandardOptions) {
				so.MaxAttempts = 3
				so.MaxBackoff = 30 * time.Second
			})
		},
	}
	options = append(options, opts...)

	return NewStoreWithAPI(secretsmanager.NewFromConfig(cfg, options...), prefix)
}

func NewStoreWithAPI(api ManagerAPI, prefix string) *Store {
	return &Store{client: api, prefix: prefix}
}

func (s *Store) secretName(key string) string {
	return s.prefix + key
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	name := s.secretName(key)
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		if isResourceNotFoundError(err) {
			return "", false, nil
		}
		logger.Error().Err(err).Str("secret_name", name).Msg("Failed to get secret value")
		return "", false, fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", false, nil
	}
	return *out.SecretString, true, nil
}

func (s *Store) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, exists)
	if err != nil {
		return err
	}
	return s.put(ctx, s.secretName(key), next, exists)
}

// put writes value, creating the secret when it does not exist yet.
func (s *Store) put(ctx context.Context, name, value string, exists bool) error {
	if !exists {
		logger.Info().Str("secret_name", name).Msg("Attempting to create secret")
		_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         &name,
			SecretString: &value,
		})
		if err == nil {
			return nil
		}
		if !isResourceExistsError(err) {
			logger.Error().Err(err).Str("secret_name", name).Msg("Failed to create secret")
			return fmt.Errorf("create secret: %w", err)
		}
		logger.Warn().Str("secret_name", name).Msg("Secret already exists; updating instead")
	}

	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     &name,
		SecretString: &value,
	})
	if err != nil {
		logger.Error().Err(err).Str("secret_name", name).Msg("Failed to update secret")
		return fmt.Errorf("update secret: %w", err)
	}
	return nil
}

func isResourceExistsError(err error) bool {
	var resourceExistsErr *types.ResourceExistsException
	return errors.As(err, &resourceExistsErr)
}

func isResourceNotFoundError(err error) bool {
	var notFoundErr *types.ResourceNotFoundException
	return errors.As(err, &notFoundErr)
}
