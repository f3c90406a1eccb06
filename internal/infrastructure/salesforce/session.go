package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/salesforce-connector/internal/domain"
)

const refreshBuffer = 8

// Session is an authenticated connection to one Salesforce instance. An
// expired access token is refreshed on the first 401 and the new token is
// published on Refreshes.
type Session struct {
	client *Client
	log    zerolog.Logger

	// refreshMu serializes token refreshes.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	creds     domain.Credentials
	closed    bool
	refreshes chan string
	stream    *streamingClient
}

var _ domain.Session = (*Session)(nil)

func newSession(c *Client, creds domain.Credentials) *Session {
	creds.InstanceURL = strings.TrimRight(creds.InstanceURL, "/")
	return &Session{
		client:    c,
		log:       c.log.With().Str("instance", creds.InstanceURL).Logger(),
		creds:     creds,
		refreshes: make(chan string, refreshBuffer),
	}
}

func (s *Session) Credentials() domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Refreshes yields every access token obtained by a refresh. It is closed by
// Close.
func (s *Session) Refreshes() <-chan string {
	return s.refreshes
}

func (s *Session) dataPath(path string) string {
	return "/services/data/v" + s.client.apiVersion + path
}

func (s *Session) Query(ctx context.Context, soql string) (*domain.QueryResult, error) {
	var result domain.QueryResult
	if err := s.do(ctx, http.MethodGet, s.dataPath("/query?q="+url.QueryEscape(soql)), nil, &result); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return &result, nil
}

// queryAll follows nextRecordsUrl until the result set is exhausted.
func (s *Session) queryAll(ctx context.Context, soql string) ([]domain.Record, error) {
	result, err := s.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	records := result.Records
	for !result.Done && result.NextRecordsURL != "" {
		var next domain.QueryResult
		if err := s.do(ctx, http.MethodGet, result.NextRecordsURL, nil, &next); err != nil {
			return records, fmt.Errorf("query more: %w", err)
		}
		records = append(records, next.Records...)
		result = &next
	}
	return records, nil
}

func (s *Session) SObject(name string) domain.SObject {
	return &sobject{session: s, name: name}
}

// Subscribe starts delivering messages of the named PushTopic to fn. ctx
// only bounds the handshake and subscribe round trips.
func (s *Session) Subscribe(ctx context.Context, topic string, fn func(domain.Message)) error {
	stream, err := s.streaming()
	if err != nil {
		return err
	}
	return stream.subscribe(ctx, topicChannelPrefix+topic, fn)
}

func (s *Session) streaming() (*streamingClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.stream == nil {
		stream, err := newStreamingClient(s)
		if err != nil {
			return nil, err
		}
		s.stream = stream
	}
	return s.stream, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.refreshes)
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.close()
	}
	return nil
}

// do sends one REST call with retries on throttling, 5xx and transport
// errors. out may be nil.
func (s *Session) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= s.client.retryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(s.client.retryWait) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := s.client.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		status, respBody, err := s.send(ctx, method, path, payload)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if ctx.Err() != nil || errors.As(err, &retrieveErr) {
				return err
			}
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			lastErr = parseAPIError(status, respBody)
			continue
		case status >= http.StatusBadRequest:
			return parseAPIError(status, respBody)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, s.client.retryMax+1, lastErr)
}

// send performs a request and, on a 401, refreshes the token and replays it
// once.
func (s *Session) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	status, body, token, err := s.roundTrip(ctx, method, path, payload)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	if err := s.refresh(ctx, token); err != nil {
		return 0, nil, fmt.Errorf("refresh token: %w", err)
	}
	status, body, _, err = s.roundTrip(ctx, method, path, payload)
	return status, body, err
}

func (s *Session) roundTrip(ctx context.Context, method, path string, payload []byte) (int, []byte, string, error) {
	creds := s.Credentials()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, creds.InstanceURL+path, reader)
	if err != nil {
		return 0, nil, creds.AccessToken, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return 0, nil, creds.AccessToken, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, creds.AccessToken, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, creds.AccessToken, nil
}

// refresh obtains a new access token unless stale has already been
// replaced by a concurrent refresh.
func (s *Session) refresh(ctx context.Context, stale string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	current := s.Credentials()
	if current.AccessToken != stale {
		return nil
	}

	expired := &oauth2.Token{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	tok, err := s.client.oauthConfig("").TokenSource(s.client.oauthContext(ctx), expired).Token()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.creds.RefreshToken = tok.RefreshToken
	}
	if s.closed {
		return nil
	}
	select {
	case s.refreshes <- tok.AccessToken:
	default:
		s.log.Warn().Msg("Refresh listener is behind; dropping token notification")
	}
	s.log.Debug().Msg("Access token refreshed")
	return nil
}

type sobject struct {
	session *Session
	name    string
}

var soqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// findQuery builds SELECT fields FROM name WHERE k = 'v' AND ... with
// conditions in key order.
func findQuery(name string, conditions map[string]string, fields []string) string {
	if len(fields) == 0 {
		fields = []string{"Id"}
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(fields, ","))
	b.WriteString(" FROM ")
	b.WriteString(name)

	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(k)
		b.WriteString(" = '")
		b.WriteString(soqlEscaper.Replace(conditions[k]))
		b.WriteString("'")
	}
	return b.String()
}

func (o *sobject) path(id string) string {
	p := o.session.dataPath("/sobjects/" + url.PathEscape(o.name))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (o *sobject) Find(ctx context.Context, conditions map[string]string, fields ...string) ([]domain.Record, error) {
	return o.session.queryAll(ctx, findQuery(o.name, conditions, fields))
}

func (o *sobject) Retrieve(ctx context.Context, id string) (domain.Record, error) {
	var record domain.Record
	if err := o.session.do(ctx, http.MethodGet, o.path(id), nil, &record); err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", o.name, err)
	}
	return record, nil
}

func (o *sobject) Create(ctx context.Context, fields interface{}) (string, error) {
	var result createResult
	if err := o.session.do(ctx, http.MethodPost, o.path(""), fields, &result); err != nil {
		return "", fmt.Errorf("create %s: %w", o.name, err)
	}
	if !result.Success {
		msg := "unknown error"
		if len(result.Errors) > 0 {
			msg = result.Errors[0].ErrorCode + ": " + result.Errors[0].Message
		}
		return "", fmt.Errorf("create %s: %s", o.name, msg)
	}
	return result.ID, nil
}

// Update patches the record; an Id field in fields is dropped since the API
// rejects it in the body.
func (o *sobject) Update(ctx context.Context, id string, fields interface{}) error {
	body, err := withoutID(fields)
	if err != nil {
		return err
	}
	if err := o.session.do(ctx, http.MethodPatch, o.path(id), body, nil); err != nil {
		return fmt.Errorf("update %s %s: %w", o.name, id, err)
	}
	return nil
}

func (o *sobject) Delete(ctx context.Context, id string) error {
	if err := o.session.do(ctx, http.MethodDelete, o.path(id), nil, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", o.name, id, err)
	}
	return nil
}

func withoutID(fields interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("fields must be an object: %w", err)
	}
	delete(m, "Id")
	return m, nil
}
