// Package credentials persists the session's long-lived authentication state.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"wabridge/pkg/session"
)

// ErrUnavailable means stored credentials exist but cannot be read or decoded.
var ErrUnavailable = errors.New("credentials unavailable")

// Store loads, saves and deletes the durable copy of the credentials.
//
// Load returns zero Credentials and no error when nothing is stored yet; the
// transport then starts a fresh pairing.
type Store interface {
	Load(ctx context.Context) (session.Credentials, error)
	Save(ctx context.Context, creds session.Credentials) error
	Delete(ctx context.Context) error
}

func decode(data []byte) (session.Credentials, error) {
	var creds session.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return session.Credentials{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return creds, nil
}

func encode(creds session.Credentials) ([]byte, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return data, nil
}
