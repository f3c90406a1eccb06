package connector

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateManager issues and consumes the OAuth state parameter that ties a
// callback to an authorization URL this process produced.
type StateManager interface {
	GenerateState(ctx context.Context) (string, error)
	ValidateState(ctx context.Context, state string) error
}

var ErrInvalidState = errors.New("state not found or expired")

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// OAuthStateManager keeps single-use states in Redis with a TTL.
type OAuthStateManager struct {
	validPeriod time.Duration
	redisClient RedisClient
}

func NewOAuthStateManager(redisClient RedisClient, validPeriod time.Duration) *OAuthStateManager {
	return &OAuthStateManager{
		validPeriod: validPeriod,
		redisClient: redisClient,
	}
}

func stateKey(state string) string {
	return "salesforce_oauth_state:" + state
}

func (om *OAuthStateManager) GenerateState(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	if err := om.redisClient.Set(ctx, stateKey(state), "1", om.validPeriod).Err(); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	return state, nil
}

// ValidateState consumes state; a state validates at most once.
func (om *OAuthStateManager) ValidateState(ctx context.Context, state string) error {
	if state == "" {
		return ErrInvalidState
	}
	deleted, err := om.redisClient.Del(ctx, stateKey(state)).Result()
	if err != nil {
		return fmt.Errorf("validate state: %w", err)
	}
	if deleted == 0 {
		return ErrInvalidState
	}
	return nil
}
