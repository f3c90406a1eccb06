package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesforce-connector/internal/domain"
)

// fakeCometD is a minimal Bayeux server that pushes queued messages on the
// next /meta/connect.
type fakeCometD struct {
	mu          sync.Mutex
	handshakes  int
	subscribed  []string
	disconnects int
	pending     []bayeuxMessage
	failConnect bool
}

func (f *fakeCometD) push(channel string, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, bayeuxMessage{Channel: channel, Data: json.RawMessage(data)})
}

func (f *fakeCometD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msgs []bayeuxMessage
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil || len(msgs) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := msgs[0]

	f.mu.Lock()
	var replies []bayeuxMessage
	switch m.Channel {
	case channelHandshake:
		f.handshakes++
		replies = append(replies, bayeuxMessage{Channel: channelHandshake, ClientID: "client-1", Successful: true})
	case channelSubscribe:
		f.subscribed = append(f.subscribed, m.Subscription)
		replies = append(replies, bayeuxMessage{Channel: channelSubscribe, Subscription: m.Subscription, Successful: true})
	case channelDisconnect:
		f.disconnects++
		replies = append(replies, bayeuxMessage{Channel: channelDisconnect, Successful: true})
	case channelConnect:
		if f.failConnect {
			f.failConnect = false
			replies = append(replies, bayeuxMessage{
				Channel: channelConnect,
				Error:   "403::Unknown client",
				Advice:  &bayeuxAdvice{Reconnect: "handshake"},
			})
			break
		}
		replies = append(replies, f.pending...)
		f.pending = nil
		replies = append(replies, bayeuxMessage{Channel: channelConnect, Successful: true})
	}
	f.mu.Unlock()

	if m.Channel == channelConnect && len(replies) == 1 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	writeJSON(w, http.StatusOK, replies)
}

func (f *fakeCometD) counts() (int, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes, append([]string(nil), f.subscribed...), f.disconnects
}

func newStreamingServer(t *testing.T, f *fakeCometD) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/cometd/49.0", f)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribe_DeliversTopicMessages(t *testing.T) {
	f := &fakeCometD{}
	srv := newStreamingServer(t, f)
	session := newTestSession(t, srv)

	received := make(chan domain.Message, 1)
	err := session.Subscribe(context.Background(), "abc", func(msg domain.Message) {
		received <- msg
	})
	require.NoError(t, err)

	f.push("/topic/abc", `{"event":{"type":"created"},"sobject":{"Id":"001"}}`)

	select {
	case msg := <-received:
		assert.Equal(t, "abc", msg.Topic)
		assert.JSONEq(t, `{"event":{"type":"created"},"sobject":{"Id":"001"}}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	handshakes, subscribed, _ := f.counts()
	assert.Equal(t, 1, handshakes)
	assert.Equal(t, []string{"/topic/abc"}, subscribed)
}

func TestSubscribe_SharesHandshake(t *testing.T) {
	f := &fakeCometD{}
	srv := newStreamingServer(t, f)
	session := newTestSession(t, srv)

	ctx := context.Background()
	require.NoError(t, session.Subscribe(ctx, "one", func(domain.Message) {}))
	require.NoError(t, session.Subscribe(ctx, "two", func(domain.Message) {}))

	handshakes, subscribed, _ := f.counts()
	assert.Equal(t, 1, handshakes)
	assert.ElementsMatch(t, []string{"/topic/one", "/topic/two"}, subscribed)
}

func TestStreaming_RehandshakesAndResubscribes(t *testing.T) {
	f := &fakeCometD{failConnect: true}
	srv := newStreamingServer(t, f)
	session := newTestSession(t, srv)

	received := make(chan domain.Message, 1)
	require.NoError(t, session.Subscribe(context.Background(), "abc", func(msg domain.Message) {
		received <- msg
	}))

	require.Eventually(t, func() bool {
		handshakes, _, _ := f.counts()
		return handshakes >= 2
	}, 5*time.Second, 10*time.Millisecond)

	f.push("/topic/abc", `{"n":1}`)
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered after rehandshake")
	}

	_, subscribed, _ := f.counts()
	assert.GreaterOrEqual(t, len(subscribed), 2)
}

func TestSession_CloseDisconnects(t *testing.T) {
	f := &fakeCometD{}
	srv := newStreamingServer(t, f)
	session := newTestSession(t, srv)

	require.NoError(t, session.Subscribe(context.Background(), "abc", func(domain.Message) {}))
	require.NoError(t, session.Close())

	_, _, disconnects := f.counts()
	assert.Equal(t, 1, disconnects)

	_, open := <-session.Refreshes()
	assert.False(t, open)

	assert.Error(t, session.Subscribe(context.Background(), "other", func(domain.Message) {}))
}
