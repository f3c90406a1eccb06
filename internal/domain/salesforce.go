package domain

import (
	"context"
	"encoding/json"
)

// Account identifies the OAuth connected app.
type Account struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Credentials is the token set for one authorized Salesforce user. The JSON
// form is what gets encrypted and persisted.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	InstanceURL  string `json:"instanceUrl"`
}

// Identity is returned by a successful code exchange.
type Identity struct {
	UserID         string
	OrganizationID string
	URL            string
}

// Topic is the PushTopic sobject.
type Topic struct {
	ID                         string `json:"Id,omitempty"`
	Name                       string `json:"Name"`
	Query                      string `json:"Query"`
	ApiVersion                 int    `json:"ApiVersion"`
	IsActive                   bool   `json:"IsActive"`
	NotifyForFields            string `json:"NotifyForFields"`
	NotifyForOperationCreate   bool   `json:"NotifyForOperationCreate"`
	NotifyForOperationUpdate   bool   `json:"NotifyForOperationUpdate"`
	NotifyForOperationDelete   bool   `json:"NotifyForOperationDelete"`
	NotifyForOperationUndelete bool   `json:"NotifyForOperationUndelete"`
}

// Message is one streaming notification. Payload is passed to handlers
// untouched.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

type EventHandler func(ctx context.Context, msg Message) error

// EventConfig binds a handler to a normalized query. ID is the identity of the
// registration; several configs may share a query and therefore a topic.
type EventConfig struct {
	ID        string
	Query     string
	TopicName string
	Handler   EventHandler
}

// Record is a single sobject row as decoded from the REST API.
type Record map[string]interface{}

func (r Record) ID() string {
	id, _ := r["Id"].(string)
	return id
}

type QueryResult struct {
	TotalSize      int      `json:"totalSize"`
	Done           bool     `json:"done"`
	NextRecordsURL string   `json:"nextRecordsUrl,omitempty"`
	Records        []Record `json:"records"`
}
