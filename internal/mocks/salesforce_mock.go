package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/salesforce-connector/internal/domain"
)

type MockPlatform struct {
	mock.Mock
}

func (m *MockPlatform) AuthorizationURL(redirectURI, state string) string {
	args := m.Called(redirectURI, state)
	return args.String(0)
}

func (m *MockPlatform) Exchange(ctx context.Context, redirectURI, code string) (domain.Credentials, domain.Identity, error) {
	args := m.Called(ctx, redirectURI, code)
	return args.Get(0).(domain.Credentials), args.Get(1).(domain.Identity), args.Error(2)
}

func (m *MockPlatform) Connect(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Session), args.Error(1)
}

// MockSession publishes refreshed tokens on RefreshCh, which tests write to
// directly.
type MockSession struct {
	mock.Mock
	RefreshCh chan string
}

func NewMockSession() *MockSession {
	return &MockSession{RefreshCh: make(chan string, 4)}
}

func (m *MockSession) Query(ctx context.Context, soql string) (*domain.QueryResult, error) {
	args := m.Called(ctx, soql)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueryResult), args.Error(1)
}

func (m *MockSession) SObject(name string) domain.SObject {
	args := m.Called(name)
	return args.Get(0).(domain.SObject)
}

func (m *MockSession) Subscribe(ctx context.Context, topic string, fn func(domain.Message)) error {
	args := m.Called(ctx, topic, fn)
	return args.Error(0)
}

func (m *MockSession) Refreshes() <-chan string {
	return m.RefreshCh
}

func (m *MockSession) Credentials() domain.Credentials {
	args := m.Called()
	return args.Get(0).(domain.Credentials)
}

func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockSObject struct {
	mock.Mock
}

func (m *MockSObject) Find(ctx context.Context, conditions map[string]string, fields ...string) ([]domain.Record, error) {
	args := m.Called(ctx, conditions, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Record), args.Error(1)
}

func (m *MockSObject) Retrieve(ctx context.Context, id string) (domain.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *MockSObject) Create(ctx context.Context, fields interface{}) (string, error) {
	args := m.Called(ctx, fields)
	return args.String(0), args.Error(1)
}

func (m *MockSObject) Update(ctx context.Context, id string, fields interface{}) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *MockSObject) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockBrowserOpener records opened URLs and runs OnOpen, if set, for each.
type MockBrowserOpener struct {
	mock.Mock
	OnOpen func(url string)
}

func (m *MockBrowserOpener) Open(url string) error {
	args := m.Called(url)
	if m.OnOpen != nil {
		m.OnOpen(url)
	}
	return args.Error(0)
}
