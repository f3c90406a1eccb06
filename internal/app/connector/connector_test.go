package connector_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/salesforce-connector/internal/app/connector"
	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/internal/infrastructure/memory"
	"github.com/salesforce-connector/internal/metrics"
	"github.com/salesforce-connector/internal/mocks"
)

const (
	testBaseURL     = "https://app.example.com"
	testAuthURL     = "https://login.salesforce.com/services/oauth2/authorize?client_id=x"
	testRedirectURI = testBaseURL + connector.AuthPath
)

var presetCreds = domain.Credentials{
	AccessToken:  "00Dxx!A1",
	RefreshToken: "R1",
	InstanceURL:  "https://na1.salesforce.com",
}

func validOptions() connector.Options {
	return connector.Options{
		ClientID:      strings.Repeat("a", 85),
		ClientSecret:  strings.Repeat("A", 64),
		BaseURL:       testBaseURL,
		EncryptionKey: testKeyHex,
	}
}

func presetOptions() connector.Options {
	opts := validOptions()
	opts.AccessToken = presetCreds.AccessToken
	opts.RefreshToken = presetCreds.RefreshToken
	opts.InstanceURL = presetCreds.InstanceURL
	return opts
}

func newConnector(t *testing.T, opts connector.Options, platform domain.Platform, store domain.KeyValueStore, extra ...connector.Option) *connector.Connector {
	t.Helper()
	options := append([]connector.Option{
		connector.WithLogger(zerolog.Nop()),
		connector.WithMetrics(metrics.Nop()),
	}, extra...)
	c, err := connector.New(opts, platform, store, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func callback(c http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*connector.Options)
	}{
		{"short client secret", func(o *connector.Options) { o.ClientSecret = "short" }},
		{"bad client id", func(o *connector.Options) { o.ClientID = "abc" }},
		{"plain http base url", func(o *connector.Options) { o.BaseURL = "http://app.example.com" }},
		{"bad encryption key", func(o *connector.Options) { o.EncryptionKey = "abc" }},
		{"bad preset token", func(o *connector.Options) {
			o.AccessToken = "has space"
			o.RefreshToken = "R1"
			o.InstanceURL = "https://na1.salesforce.com"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			platform := new(mocks.MockPlatform)
			opts := validOptions()
			tt.mutate(&opts)

			_, err := connector.New(opts, platform, memory.NewStore())

			assert.ErrorIs(t, err, connector.ErrInvalidConfiguration)
			platform.AssertNotCalled(t, "Exchange", mock.Anything, mock.Anything, mock.Anything)
			platform.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
		})
	}
}

func TestNew_EncryptionKeyBytes(t *testing.T) {
	opts := validOptions()
	opts.EncryptionKey = ""
	opts.EncryptionKeyBytes = make([]byte, 32)

	c, err := connector.New(opts, new(mocks.MockPlatform), memory.NewStore())
	require.NoError(t, err)
	assert.Equal(t, testRedirectURI, c.Account().RedirectURI)
	assert.True(t, c.NeedsCallback())
}

func TestAuthenticate_CompletesThroughCallback(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	platform := new(mocks.MockPlatform)
	session := mocks.NewMockSession()
	opener := new(mocks.MockBrowserOpener)

	creds := domain.Credentials{AccessToken: "A1", RefreshToken: "R1", InstanceURL: "https://na1.salesforce.com"}
	platform.On("AuthorizationURL", testRedirectURI, "").Return(testAuthURL)
	platform.On("Exchange", mock.Anything, testRedirectURI, "xyz").
		Return(creds, domain.Identity{UserID: "005", OrganizationID: "00D"}, nil)
	platform.On("Connect", mock.Anything, creds).Return(session, nil)
	session.On("Close").Return(nil).Maybe()
	opener.On("Open", testAuthURL).Return(nil)

	c := newConnector(t, validOptions(), platform, store, connector.WithBrowserOpener(opener))

	var status int
	opener.OnOpen = func(string) {
		assert.Equal(t, connector.StateAwaitingCallback, c.AuthState())
		status = callback(c, connector.AuthPath+"?code=xyz").Code
	}

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Authenticate(ctx))

	assert.Equal(t, http.StatusOK, status)
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, connector.StateAuthenticated, c.AuthState())

	loaded, err := connector.NewVault(store, testKey(t, testKeyHex)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds, loaded)
	opener.AssertExpectations(t)
}

func TestAuthenticate_UsesStoredCredentials(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, connector.NewVault(store, testKey(t, testKeyHex)).Persist(ctx, presetCreds))

	platform := new(mocks.MockPlatform)
	session := mocks.NewMockSession()
	platform.On("Connect", mock.Anything, presetCreds).Return(session, nil).Once()
	session.On("Close").Return(nil).Maybe()

	c := newConnector(t, validOptions(), platform, store)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Authenticate(ctx))

	assert.True(t, c.IsAuthenticated())
	platform.AssertNotCalled(t, "AuthorizationURL", mock.Anything, mock.Anything)
}

func TestAuthenticate_NotStarted(t *testing.T) {
	c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, connector.ErrNotStarted)
}

func TestAuthenticate_AlreadyAuthenticated(t *testing.T) {
	c := newConnector(t, presetOptions(), new(mocks.MockPlatform), memory.NewStore())

	assert.False(t, c.NeedsCallback())
	assert.ErrorIs(t, c.Authenticate(context.Background()), connector.ErrAlreadyAuthenticated)
}

func TestAuthenticate_Timeout(t *testing.T) {
	platform := new(mocks.MockPlatform)
	platform.On("AuthorizationURL", testRedirectURI, "").Return(testAuthURL)

	opts := validOptions()
	opts.AuthTimeout = 20 * time.Millisecond
	c := newConnector(t, opts, platform, memory.NewStore())
	require.NoError(t, c.Start(context.Background()))

	err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, connector.ErrAuthTimeout)
	assert.Equal(t, connector.StateAwaitingCallback, c.AuthState())
}

func TestAuthenticate_ContextCancelled(t *testing.T) {
	platform := new(mocks.MockPlatform)
	platform.On("AuthorizationURL", testRedirectURI, "").Return(testAuthURL)

	c := newConnector(t, validOptions(), platform, memory.NewStore())
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Authenticate(ctx), context.DeadlineExceeded)
}

func TestAuthenticate_ConcurrentWaitersReleasedTogether(t *testing.T) {
	ctx := context.Background()
	platform := new(mocks.MockPlatform)
	session := mocks.NewMockSession()
	creds := domain.Credentials{AccessToken: "A1", RefreshToken: "R1", InstanceURL: "https://na1.salesforce.com"}

	platform.On("AuthorizationURL", testRedirectURI, "").Return(testAuthURL)
	platform.On("Exchange", mock.Anything, testRedirectURI, "xyz").Return(creds, domain.Identity{}, nil)
	platform.On("Connect", mock.Anything, creds).Return(session, nil)
	session.On("Close").Return(nil).Maybe()

	c := newConnector(t, validOptions(), platform, memory.NewStore())
	require.NoError(t, c.Start(ctx))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Authenticate(ctx) }()
	}

	require.Eventually(t, func() bool {
		return c.AuthState() == connector.StateAwaitingCallback
	}, time.Second, 5*time.Millisecond)
	// Give both callers time to join before the callback lands.
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, http.StatusOK, callback(c, connector.AuthPath+"?code=xyz").Code)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("authenticate did not return")
		}
	}
}

func TestCallback_Errors(t *testing.T) {
	t.Run("missing code", func(t *testing.T) {
		c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

		rec := callback(c, connector.AuthPath)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid code")
	})

	t.Run("invalid state", func(t *testing.T) {
		redisClient := new(mocks.MockRedisClient)
		redisClient.On("Del", mock.Anything, "salesforce_oauth_state:forged").Return(0)
		states := connector.NewOAuthStateManager(redisClient, time.Minute)
		c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore(), connector.WithStateManager(states))

		rec := callback(c, connector.AuthPath+"?code=xyz&state=forged")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid state")
	})

	t.Run("exchange failure", func(t *testing.T) {
		platform := new(mocks.MockPlatform)
		platform.On("Exchange", mock.Anything, testRedirectURI, "xyz").
			Return(domain.Credentials{}, domain.Identity{}, errors.New("invalid_grant"))
		c := newConnector(t, validOptions(), platform, memory.NewStore())

		rec := callback(c, connector.AuthPath+"?code=xyz")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "Error authenticating with Salesforce")
		assert.False(t, c.IsAuthenticated())
	})

	t.Run("wrong method", func(t *testing.T) {
		c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

		rec := httptest.NewRecorder()
		c.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, connector.AuthPath+"?code=xyz", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCallback_ValidState(t *testing.T) {
	ctx := context.Background()
	redisClient := new(mocks.MockRedisClient)
	var (
		mu    sync.Mutex
		state string
	)
	redisClient.On("Set", mock.Anything, mock.Anything, "1", time.Minute).
		Run(func(args mock.Arguments) {
			mu.Lock()
			state = strings.TrimPrefix(args.String(1), "salesforce_oauth_state:")
			mu.Unlock()
		}).Return(nil)

	platform := new(mocks.MockPlatform)
	platform.On("AuthorizationURL", testRedirectURI, mock.AnythingOfType("string")).Return(testAuthURL)

	c := newConnector(t, validOptions(), platform, memory.NewStore(),
		connector.WithStateManager(connector.NewOAuthStateManager(redisClient, time.Minute)))

	_, err := c.AuthorizationURL(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, state)
	platform.AssertCalled(t, "AuthorizationURL", testRedirectURI, state)
}

// startedWithSession returns a connector built from preset tokens and
// started against session.
func startedWithSession(t *testing.T, store domain.KeyValueStore, session *mocks.MockSession, register func(*connector.Connector)) *connector.Connector {
	t.Helper()
	platform := new(mocks.MockPlatform)
	platform.On("Connect", mock.Anything, presetCreds).Return(session, nil)
	session.On("Close").Return(nil).Maybe()

	c := newConnector(t, presetOptions(), platform, store)
	if register != nil {
		register(c)
	}
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestOn_EquivalentQueriesShareTopic(t *testing.T) {
	session := mocks.NewMockSession()
	topics := new(mocks.MockSObject)
	session.On("SObject", "PushTopic").Return(topics)

	query := "SELECT Id FROM Account"
	name := connector.TopicName(query)

	var (
		mu      sync.Mutex
		deliver func(domain.Message)
	)
	topics.On("Find", mock.Anything, map[string]string{"Name": name}, []string{"Id"}).Return([]domain.Record{}, nil)
	topics.On("Create", mock.Anything, mock.Anything).Return("0IF1", nil).Once()
	session.On("Subscribe", mock.Anything, name, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			deliver = args.Get(2).(func(domain.Message))
			mu.Unlock()
		}).Return(nil).Once()

	got := make(chan string, 2)
	handler := func(id string) domain.EventHandler {
		return func(_ context.Context, msg domain.Message) error {
			got <- id + ":" + string(msg.Payload)
			return nil
		}
	}

	startedWithSession(t, memory.NewStore(), session, func(c *connector.Connector) {
		upper, err := c.On("SELECT Id FROM Account", handler("upper"), "upper")
		require.NoError(t, err)
		lower, err := c.On("select Id from Account", handler("lower"), "lower")
		require.NoError(t, err)
		assert.Equal(t, upper.TopicName, lower.TopicName)
		assert.Equal(t, name, lower.TopicName)
	})

	mu.Lock()
	fn := deliver
	mu.Unlock()
	require.NotNil(t, fn)
	fn(domain.Message{Topic: name, Payload: []byte(`{"n":1}`)})

	var received []string
	for i := 0; i < 2; i++ {
		received = append(received, <-got)
	}
	assert.ElementsMatch(t, []string{`upper:{"n":1}`, `lower:{"n":1}`}, received)
	topics.AssertNumberOfCalls(t, "Create", 1)
}

func TestOn_DerivedIDIsStable(t *testing.T) {
	c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

	first, err := c.On("SELECT Id FROM Account", nil, "")
	require.NoError(t, err)
	second, err := c.On("select Id  from Account", nil, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, c.Events(), 1)
}

func TestOn_InvalidQuery(t *testing.T) {
	c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

	_, err := c.On("SELECT * FROM Account", nil, "")
	assert.ErrorIs(t, err, connector.ErrInvalidQuery)
	assert.Empty(t, c.Events())
}

func TestOn_AfterStartBindsTopic(t *testing.T) {
	session := mocks.NewMockSession()
	topics := new(mocks.MockSObject)
	session.On("SObject", "PushTopic").Return(topics)
	topics.On("Find", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Record{}, nil)
	topics.On("Create", mock.Anything, mock.Anything).Return("0IF1", nil)

	subscribed := make(chan string, 1)
	session.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { subscribed <- args.String(1) }).
		Return(nil)

	c := startedWithSession(t, memory.NewStore(), session, nil)
	cfg, err := c.On("SELECT Id,Name FROM Contact", nil, "contacts")
	require.NoError(t, err)

	select {
	case topic := <-subscribed:
		assert.Equal(t, cfg.TopicName, topic)
		assert.Equal(t, "747c24ea5959a433", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("topic not bound")
	}
}

func TestRefresh_PersistsNewAccessToken(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	session := mocks.NewMockSession()
	startedWithSession(t, store, session, nil)

	vault := connector.NewVault(store, testKey(t, testKeyHex))
	session.RefreshCh <- "00Dxx!A2"

	require.Eventually(t, func() bool {
		creds, err := vault.Load(ctx)
		return err == nil && creds.AccessToken == "00Dxx!A2"
	}, 2*time.Second, 10*time.Millisecond)

	creds, err := vault.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R1", creds.RefreshToken)
	assert.Equal(t, presetCreds.InstanceURL, creds.InstanceURL)
}

func TestQuery(t *testing.T) {
	session := mocks.NewMockSession()
	result := &domain.QueryResult{TotalSize: 1, Done: true, Records: []domain.Record{{"Id": "001"}}}
	session.On("Query", mock.Anything, "SELECT Id,Name FROM Account").Return(result, nil)

	c := startedWithSession(t, memory.NewStore(), session, nil)

	got, err := c.Query(context.Background(), "select Id , Name from Account")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	_, err = c.Query(context.Background(), "DELETE FROM Account")
	assert.ErrorIs(t, err, connector.ErrInvalidQuery)
}

func TestQuery_NotAuthenticated(t *testing.T) {
	c := newConnector(t, validOptions(), new(mocks.MockPlatform), memory.NewStore())

	_, err := c.Query(context.Background(), "SELECT Id FROM Account")
	assert.ErrorIs(t, err, connector.ErrNotAuthenticated)
}

func TestMap(t *testing.T) {
	session := mocks.NewMockSession()
	accounts := new(mocks.MockSObject)
	session.On("SObject", "Account").Return(accounts)
	accounts.On("Find", mock.Anything, map[string]string(nil), []string{"Id"}).
		Return([]domain.Record{{"Id": "001"}, {"Id": "002"}}, nil)
	accounts.On("Retrieve", mock.Anything, "001").Return(domain.Record{"Id": "001", "Name": "Acme"}, nil)
	accounts.On("Retrieve", mock.Anything, "002").Return(domain.Record{"Id": "002", "Name": "Globex"}, nil)

	c := startedWithSession(t, memory.NewStore(), session, nil)

	names, err := c.Map(context.Background(), "Account", func(_ context.Context, r domain.Record) (interface{}, error) {
		return r["Name"], nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Acme", "Globex"}, names)
}

func TestMap_StopsOnError(t *testing.T) {
	session := mocks.NewMockSession()
	accounts := new(mocks.MockSObject)
	session.On("SObject", "Account").Return(accounts)
	accounts.On("Find", mock.Anything, map[string]string(nil), []string{"Id"}).
		Return([]domain.Record{{"Id": "001"}, {"Id": "002"}}, nil)
	accounts.On("Retrieve", mock.Anything, "001").Return(domain.Record{"Id": "001"}, nil)

	c := startedWithSession(t, memory.NewStore(), session, nil)

	boom := errors.New("boom")
	out, err := c.Map(context.Background(), "Account", func(context.Context, domain.Record) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, out)
	accounts.AssertNotCalled(t, "Retrieve", mock.Anything, "002")
}

func TestStop_ClosesSession(t *testing.T) {
	ctx := context.Background()
	session := mocks.NewMockSession()
	c := startedWithSession(t, memory.NewStore(), session, nil)

	sdk, err := c.SDK(ctx)
	require.NoError(t, err)
	assert.Same(t, session, sdk)

	require.NoError(t, c.Stop(ctx))
	session.AssertCalled(t, "Close")
	assert.ErrorIs(t, c.Start(ctx), connector.ErrStopped)
}

func TestCallback_BindsRegisteredQueriesAfterRequestEnds(t *testing.T) {
	platform := new(mocks.MockPlatform)
	session := mocks.NewMockSession()
	topics := new(mocks.MockSObject)

	query := "SELECT Id FROM Account"
	name := connector.TopicName(query)
	creds := domain.Credentials{AccessToken: "A1", RefreshToken: "R1", InstanceURL: "https://na1.salesforce.com"}

	reqCtx, cancelRequest := context.WithCancel(context.Background())
	defer cancelRequest()

	platform.On("Exchange", mock.Anything, testRedirectURI, "xyz").Return(creds, domain.Identity{}, nil)
	// The client goes away once the session exists, before topics are bound.
	platform.On("Connect", mock.Anything, creds).
		Run(func(mock.Arguments) { cancelRequest() }).
		Return(session, nil)
	session.On("Close").Return(nil).Maybe()
	session.On("SObject", "PushTopic").Return(topics)
	topics.On("Find", mock.Anything, map[string]string{"Name": name}, []string{"Id"}).Return([]domain.Record{}, nil)
	topics.On("Create", mock.Anything, mock.Anything).Return("0IF1", nil).Once()

	var subscribeErr error
	session.On("Subscribe", mock.Anything, name, mock.Anything).
		Run(func(args mock.Arguments) { subscribeErr = args.Get(0).(context.Context).Err() }).
		Return(nil).Once()

	c := newConnector(t, validOptions(), platform, memory.NewStore())
	_, err := c.On(query, nil, "accounts")
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, connector.AuthPath+"?code=xyz", nil).WithContext(reqCtx)
	c.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Error(t, reqCtx.Err())
	session.AssertCalled(t, "Subscribe", mock.Anything, name, mock.Anything)
	assert.NoError(t, subscribeErr)
	topics.AssertNumberOfCalls(t, "Create", 1)
}

// callbackOnFirstMiss completes an OAuth callback in the background the first
// time the vault finds nothing stored.
type callbackOnFirstMiss struct {
	*memory.Store
	once     sync.Once
	callback func()
}

func (s *callbackOnFirstMiss) Get(ctx context.Context, key string) (string, bool, error) {
	v, found, err := s.Store.Get(ctx, key)
	if err == nil && !found {
		s.once.Do(func() { go s.callback() })
	}
	return v, found, err
}

func TestAuthenticate_CallbackDuringCredentialCheck(t *testing.T) {
	platform := new(mocks.MockPlatform)
	session := mocks.NewMockSession()
	creds := domain.Credentials{AccessToken: "A1", RefreshToken: "R1", InstanceURL: "https://na1.salesforce.com"}

	platform.On("AuthorizationURL", testRedirectURI, "").Return(testAuthURL).Maybe()
	platform.On("Exchange", mock.Anything, testRedirectURI, "xyz").Return(creds, domain.Identity{}, nil)
	platform.On("Connect", mock.Anything, creds).Return(session, nil)
	session.On("Close").Return(nil).Maybe()

	store := &callbackOnFirstMiss{Store: memory.NewStore()}
	c := newConnector(t, validOptions(), platform, store)

	status := make(chan int, 1)
	store.callback = func() {
		status <- callback(c, connector.AuthPath+"?code=xyz").Code
	}
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Authenticate(ctx))

	assert.Equal(t, http.StatusOK, <-status)
	assert.True(t, c.IsAuthenticated())
}

func TestStop_RejectsPassthroughs(t *testing.T) {
	ctx := context.Background()
	session := mocks.NewMockSession()
	c := startedWithSession(t, memory.NewStore(), session, nil)

	require.NoError(t, c.Stop(ctx))

	_, err := c.Query(ctx, "SELECT Id FROM Account")
	assert.ErrorIs(t, err, connector.ErrStopped)
	_, err = c.SObject(ctx, "Account")
	assert.ErrorIs(t, err, connector.ErrStopped)
	_, err = c.SDK(ctx)
	assert.ErrorIs(t, err, connector.ErrStopped)
	assert.ErrorIs(t, c.Authenticate(ctx), connector.ErrStopped)
	assert.Equal(t, http.StatusServiceUnavailable, connector.HTTPStatus(err))
}
