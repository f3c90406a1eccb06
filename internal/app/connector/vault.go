package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/pkg/cipher"
)

// CredentialsKey is the single store key the vault writes.
const CredentialsKey = "credentials"

// Vault keeps credentials in the host store, encrypted under a key that never
// leaves the process.
type Vault struct {
	store domain.KeyValueStore
	key   cipher.Key
}

func NewVault(store domain.KeyValueStore, key cipher.Key) *Vault {
	return &Vault{store: store, key: key}
}

func (v *Vault) Persist(ctx context.Context, creds domain.Credentials) error {
	encrypted, err := v.seal(creds)
	if err != nil {
		return err
	}
	err = v.store.Update(ctx, CredentialsKey, func(string, bool) (string, error) {
		return encrypted, nil
	})
	if err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

func (v *Vault) Load(ctx context.Context) (domain.Credentials, error) {
	encrypted, found, err := v.store.Get(ctx, CredentialsKey)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if !found || encrypted == "" {
		return domain.Credentials{}, ErrNotAuthenticated
	}
	return v.open(encrypted)
}

// ApplyRefresh swaps the access token inside the stored record. It runs as a
// single store update so a refresh token written meanwhile by another process
// is kept.
func (v *Vault) ApplyRefresh(ctx context.Context, accessToken string) error {
	err := v.store.Update(ctx, CredentialsKey, func(current string, found bool) (string, error) {
		if !found || current == "" {
			return "", ErrNotAuthenticated
		}
		creds, err := v.open(current)
		if err != nil {
			return "", err
		}
		creds.AccessToken = accessToken
		return v.seal(creds)
	})
	if err != nil {
		return fmt.Errorf("apply refresh: %w", err)
	}
	return nil
}

func (v *Vault) seal(creds domain.Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	encrypted, err := cipher.Encrypt(string(raw), v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return encrypted, nil
}

func (v *Vault) open(encrypted string) (domain.Credentials, error) {
	plain, err := cipher.Decrypt(encrypted, v.key)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds domain.Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: decode credentials: %v", cipher.ErrMalformedToken, err)
	}
	return creds, nil
}
