package connector

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	clientIDPattern     = regexp.MustCompile(`^[A-Za-z0-9._]{85}$`)
	clientSecretPattern = regexp.MustCompile(`^[A-Z0-9]{64}$`)
	baseURLPattern      = regexp.MustCompile(`^(https://[\w-]+(\.[\w-]+)*(:\d{1,5})?)/?$`)
	tokenPattern        = regexp.MustCompile(`^[0-9a-zA-Z._!]+$`)
	queryPattern        = regexp.MustCompile(
		`^\s*(?:SELECT|select)\s+([A-Z]\w+(?:\s*,\s*[A-Z]\w+)*)\s+(?:FROM|from)\s+([A-Z]\w+)\s*$`,
	)
	fieldSeparator = regexp.MustCompile(`\s*,\s*`)
)

func ValidateClientID(clientID string) (string, error) {
	if !clientIDPattern.MatchString(clientID) {
		return "", fmt.Errorf("%w: client id", ErrInvalidConfiguration)
	}
	return clientID, nil
}

func ValidateClientSecret(secret string) (string, error) {
	if !clientSecretPattern.MatchString(secret) {
		return "", fmt.Errorf("%w: client secret", ErrInvalidConfiguration)
	}
	return secret, nil
}

// ValidateBaseURL accepts an https origin with an optional port and returns
// it without a trailing slash.
func ValidateBaseURL(url string) (string, error) {
	m := baseURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("%w: url %q", ErrInvalidConfiguration, url)
	}
	return m[1], nil
}

func ValidateToken(token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("%w: token", ErrInvalidConfiguration)
	}
	return token, nil
}

// NormalizeQuery checks that query is a plain "SELECT fields FROM Object"
// and returns its canonical text: upper-case keywords, single spaces and no
// spaces around commas. Normalizing a normalized query returns it unchanged.
func NormalizeQuery(query string) (string, error) {
	m := queryPattern.FindStringSubmatch(query)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuery, query)
	}
	fields := fieldSeparator.Split(strings.TrimSpace(m[1]), -1)
	return "SELECT " + strings.Join(fields, ",") + " FROM " + m[2], nil
}
