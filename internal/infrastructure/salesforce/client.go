package salesforce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/salesforce-connector/internal/domain"
	"github.com/salesforce-connector/pkg/logger"
)

const (
	DefaultLoginURL   = "https://login.salesforce.com"
	DefaultAPIVersion = "49.0"

	authorizePath = "/services/oauth2/authorize"
	tokenPath     = "/services/oauth2/token"
)

var Scopes = []string{"full", "refresh_token"}

var (
	ErrNoRefreshToken = errors.New("token response carries no refresh token")
	ErrNoInstanceURL  = errors.New("token response carries no instance url")
)

type ClientOption func(*Client)

// Client is the Salesforce platform: it runs the OAuth flow and opens
// sessions on an instance.
type Client struct {
	loginURL     string
	apiVersion   string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	limiter      *rate.Limiter
	retryMax     int
	retryWait    time.Duration
	log          zerolog.Logger
}

var _ domain.Platform = (*Client)(nil)

func WithRetry(max int, wait time.Duration) ClientOption {
	return func(c *Client) {
		c.retryMax = max
		c.retryWait = wait
	}
}

func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLoginURL(loginURL string) ClientOption {
	return func(c *Client) {
		c.loginURL = strings.TrimRight(loginURL, "/")
	}
}

func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.apiVersion = version
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(clientID, clientSecret string, opts ...ClientOption) *Client {
	c := &Client{
		loginURL:     DefaultLoginURL,
		apiVersion:   DefaultAPIVersion,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		retryMax:     3,
		retryWait:    time.Second,
		limiter:      rate.NewLimiter(rate.Limit(10), 10),
		log:          logger.Component("salesforce-client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.loginURL + authorizePath,
			TokenURL:  c.loginURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext makes the oauth2 package use our http client.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) AuthorizationURL(redirectURI, state string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, redirectURI, code string) (domain.Credentials, domain.Identity, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Credentials{}, domain.Identity{}, fmt.Errorf("rate limit wait: %w", err)
	}

	tok, err := c.oauthConfig(redirectURI).Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return domain.Credentials{}, domain.Identity{}, fmt.Errorf("exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return domain.Credentials{}, domain.Identity{}, ErrNoRefreshToken
	}
	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return domain.Credentials{}, domain.Identity{}, ErrNoInstanceURL
	}

	idURL, _ := tok.Extra("id").(string)
	creds := domain.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  strings.TrimRight(instanceURL, "/"),
	}
	return creds, parseIdentity(idURL), nil
}

// parseIdentity splits an identity URL of the form
// https://login.salesforce.com/id/<org id>/<user id>.
func parseIdentity(idURL string) domain.Identity {
	identity := domain.Identity{URL: idURL}
	u, err := url.Parse(idURL)
	if err != nil {
		return identity
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "id" {
		identity.OrganizationID = parts[1]
		identity.UserID = parts[2]
	}
	return identity
}

// Connect opens a session on the instance the credentials belong to. ctx is
// not retained; the session lives until Close.
func (c *Client) Connect(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creds.AccessToken == "" || creds.InstanceURL == "" {
		return nil, fmt.Errorf("connect: incomplete credentials")
	}
	return newSession(c, creds), nil
}
