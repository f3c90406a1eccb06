package domain

import (
	"context"
)

// KeyValueStore is the host-provided persistence for the encrypted credential
// record. Update must be atomic per key: fn sees the current value and its
// result replaces it without interleaving another writer. Implementations
// may call fn more than once.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Update(ctx context.Context, key string, fn func(current string, found bool) (string, error)) error
}

// Platform is the OAuth side of Salesforce.
type Platform interface {
	AuthorizationURL(redirectURI, state string) string
	Exchange(ctx context.Context, redirectURI, code string) (Credentials, Identity, error)
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is a live, authenticated connection.
type Session interface {
	Query(ctx context.Context, soql string) (*QueryResult, error)
	SObject(name string) SObject
	// Subscribe binds fn to the streaming channel of a PushTopic.
	Subscribe(ctx context.Context, topic string, fn func(Message)) error
	// Refreshes emits every access token the session obtains after a refresh.
	Refreshes() <-chan string
	Credentials() Credentials
	Close() error
}

type SObject interface {
	Find(ctx context.Context, conditions map[string]string, fields ...string) ([]Record, error)
	Retrieve(ctx context.Context, id string) (Record, error)
	Create(ctx context.Context, fields interface{}) (string, error)
	Update(ctx context.Context, id string, fields interface{}) error
	Delete(ctx context.Context, id string) error
}

// BrowserOpener shows the authorization URL to whoever completes the login.
type BrowserOpener interface {
	Open(url string) error
}
