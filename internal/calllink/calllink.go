// Package calllink builds and parses shareable call links of the form
// <origin>?callId=<id>.
package calllink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Param is the query parameter carrying the call id.
const Param = "callId"

// ErrNoCallID reports input that carries no call id.
var ErrNoCallID = errors.New("no call id")

// Build returns the link a guest opens to join call id.
func Build(origin, id string) string {
	origin = strings.TrimRight(origin, "?")
	return origin + "?" + Param + "=" + url.QueryEscape(id)
}

// Parse extracts the call id from a link. It returns "" and no error when the
// link has no callId parameter, which means "host a new call".
func Parse(raw string) (string, error) {
	i := strings.Index(raw, "?")
	if i < 0 {
		return "", nil
	}
	query := raw[i+1:]
	if j := strings.Index(query, "#"); j >= 0 {
		query = query[:j]
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("invalid call link %q: %w", raw, err)
	}
	return strings.TrimSpace(values.Get(Param)), nil
}

// Resolve accepts either a full link or a bare call id, as typed by a user.
func Resolve(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrNoCallID
	}

	if !strings.ContainsAny(input, "?/=") {
		return input, nil
	}

	id, err := Parse(input)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("call link %q: %w", input, ErrNoCallID)
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("call link %q: malformed call id %q", input, id)
	}
	return id, nil
}
