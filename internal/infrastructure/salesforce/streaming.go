package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/salesforce-connector/internal/domain"
)

const (
	bayeuxVersion = "1.0"
	longPolling   = "long-polling"

	// The server holds /meta/connect open for up to 110 seconds.
	pollTimeout = 2 * time.Minute
)

var errRehandshake = errors.New("streaming: server requested a new handshake")

// streamingClient speaks Bayeux long-polling against the instance's CometD
// endpoint and hands topic messages to the subscribed callbacks.
type streamingClient struct {
	session    *Session
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger

	loop   context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64

	// handshakeMu serializes handshakes and resubscription.
	handshakeMu sync.Mutex

	mu       sync.Mutex
	clientID string
	subs     map[string]func(domain.Message)
	running  bool
}

func newStreamingClient(s *Session) (*streamingClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	loop, cancel := context.WithCancel(context.Background())
	return &streamingClient{
		session:  s,
		endpoint: s.Credentials().InstanceURL + "/cometd/" + s.client.apiVersion,
		httpClient: &http.Client{
			Transport: s.client.httpClient.Transport,
			Jar:       jar,
			Timeout:   pollTimeout,
		},
		log:    s.log.With().Str("component", "streaming").Logger(),
		loop:   loop,
		cancel: cancel,
		subs:   make(map[string]func(domain.Message)),
	}, nil
}

func (sc *streamingClient) subscribe(ctx context.Context, channel string, fn func(domain.Message)) error {
	sc.mu.Lock()
	sc.subs[channel] = fn
	sc.mu.Unlock()

	clientID, err := sc.ensureHandshake(ctx)
	if err == nil {
		err = sc.subscribeChannel(ctx, clientID, channel)
	}
	if err != nil {
		sc.mu.Lock()
		delete(sc.subs, channel)
		sc.mu.Unlock()
		return err
	}

	sc.log.Info().Str("channel", channel).Msg("Subscribed")
	sc.startLoop()
	return nil
}

func (sc *streamingClient) ensureHandshake(ctx context.Context) (string, error) {
	sc.handshakeMu.Lock()
	defer sc.handshakeMu.Unlock()

	sc.mu.Lock()
	id := sc.clientID
	sc.mu.Unlock()
	if id != "" {
		return id, nil
	}
	return sc.handshake(ctx)
}

func (sc *streamingClient) handshake(ctx context.Context) (string, error) {
	replies, err := sc.post(ctx, bayeuxMessage{
		Channel:                  channelHandshake,
		Version:                  bayeuxVersion,
		MinimumVersion:           bayeuxVersion,
		SupportedConnectionTypes: []string{longPolling},
	})
	if err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}
	reply, ok := findReply(replies, channelHandshake)
	if !ok {
		return "", errors.New("handshake: no reply")
	}
	if !reply.Successful || reply.ClientID == "" {
		return "", fmt.Errorf("handshake: %s", reply.Error)
	}

	sc.mu.Lock()
	sc.clientID = reply.ClientID
	sc.mu.Unlock()
	return reply.ClientID, nil
}

// rehandshake obtains a new client id and restores every subscription on it.
func (sc *streamingClient) rehandshake(ctx context.Context) error {
	sc.handshakeMu.Lock()
	defer sc.handshakeMu.Unlock()

	sc.mu.Lock()
	sc.clientID = ""
	channels := make([]string, 0, len(sc.subs))
	for ch := range sc.subs {
		channels = append(channels, ch)
	}
	sc.mu.Unlock()

	clientID, err := sc.handshake(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, ch := range channels {
		if err := sc.subscribeChannel(ctx, clientID, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (sc *streamingClient) subscribeChannel(ctx context.Context, clientID, channel string) error {
	replies, err := sc.post(ctx, bayeuxMessage{
		Channel:      channelSubscribe,
		ClientID:     clientID,
		Subscription: channel,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	reply, ok := findReply(replies, channelSubscribe)
	if !ok {
		return fmt.Errorf("subscribe %s: no reply", channel)
	}
	if !reply.Successful {
		return fmt.Errorf("subscribe %s: %s", channel, reply.Error)
	}
	return nil
}

func (sc *streamingClient) startLoop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return
	}
	sc.running = true
	go sc.run(sc.loop)
}

func (sc *streamingClient) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	for ctx.Err() == nil {
		err := sc.poll(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		sc.log.Warn().Err(err).Dur("retry_in", wait).Msg("Streaming connection interrupted")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := sc.rehandshake(ctx); err != nil && ctx.Err() == nil {
			sc.log.Error().Err(err).Msg("Failed to re-establish streaming subscriptions")
		}
	}
}

// poll runs one /meta/connect round trip and delivers what it returns.
func (sc *streamingClient) poll(ctx context.Context) error {
	sc.mu.Lock()
	clientID := sc.clientID
	sc.mu.Unlock()
	if clientID == "" {
		return errRehandshake
	}

	replies, err := sc.post(ctx, bayeuxMessage{
		Channel:        channelConnect,
		ClientID:       clientID,
		ConnectionType: longPolling,
	})
	if err != nil {
		return err
	}

	var (
		connectErr error
		interval   time.Duration
	)
	for _, m := range replies {
		if m.Channel == channelConnect {
			if !m.Successful {
				connectErr = fmt.Errorf("%w: %s", errRehandshake, m.Error)
			}
			if m.Advice != nil && m.Advice.Interval > 0 {
				interval = time.Duration(m.Advice.Interval) * time.Millisecond
			}
			continue
		}
		if strings.HasPrefix(m.Channel, "/meta/") {
			continue
		}
		sc.deliver(m)
	}

	if connectErr == nil && interval > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
	return connectErr
}

func (sc *streamingClient) deliver(m bayeuxMessage) {
	sc.mu.Lock()
	fn := sc.subs[m.Channel]
	sc.mu.Unlock()
	if fn == nil {
		sc.log.Debug().Str("channel", m.Channel).Msg("Message for unknown channel")
		return
	}
	fn(domain.Message{
		Topic:   strings.TrimPrefix(m.Channel, topicChannelPrefix),
		Payload: m.Data,
	})
}

// post sends a batch of Bayeux messages, refreshing the access token and
// retrying once when the endpoint answers 401.
func (sc *streamingClient) post(ctx context.Context, msgs ...bayeuxMessage) ([]bayeuxMessage, error) {
	for i := range msgs {
		msgs[i].ID = strconv.FormatUint(sc.nextID.Add(1), 10)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	status, body, token, err := sc.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if err := sc.session.refresh(ctx, token); err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		status, body, _, err = sc.roundTrip(ctx, payload)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, parseAPIError(status, body)
	}

	var replies []bayeuxMessage
	if err := json.Unmarshal(body, &replies); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return replies, nil
}

func (sc *streamingClient) roundTrip(ctx context.Context, payload []byte) (int, []byte, string, error) {
	token := sc.session.Credentials().AccessToken

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, token, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return 0, nil, token, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, token, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, token, nil
}

// close stops the poll loop and tells the server, best effort.
func (sc *streamingClient) close() {
	sc.cancel()

	sc.mu.Lock()
	clientID := sc.clientID
	sc.clientID = ""
	sc.mu.Unlock()
	if clientID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sc.post(ctx, bayeuxMessage{Channel: channelDisconnect, ClientID: clientID}); err != nil {
		sc.log.Debug().Err(err).Msg("Disconnect failed")
	}
}

func findReply(replies []bayeuxMessage, channel string) (bayeuxMessage, bool) {
	for _, r := range replies {
		if r.Channel == channel {
			return r, true
		}
	}
	return bayeuxMessage{}, false
}
