package salesforce

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-retryable error answer from the REST API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("salesforce: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("salesforce: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

type errorItem struct {
	ErrorCode string   `json:"errorCode"`
	Message   string   `json:"message"`
	Fields    []string `json:"fields,omitempty"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}

	var items []errorItem
	if err := json.Unmarshal(body, &items); err == nil && len(items) > 0 {
		apiErr.Code = items[0].ErrorCode
		apiErr.Message = items[0].Message
		return apiErr
	}
	var single struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Error != "" {
		apiErr.Code = single.Error
		apiErr.Message = single.Description
	}
	return apiErr
}

type createResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Errors  []errorItem `json:"errors"`
}

// bayeuxMessage is one message of the CometD wire protocol.
type bayeuxMessage struct {
	Channel                  string          `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               bool            `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Advice                   *bayeuxAdvice   `json:"advice,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
}

type bayeuxAdvice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int    `json:"interval,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

const (
	channelHandshake   = "/meta/handshake"
	channelConnect     = "/meta/connect"
	channelSubscribe   = "/meta/subscribe"
	channelDisconnect  = "/meta/disconnect"
	topicChannelPrefix = "/topic/"
)
