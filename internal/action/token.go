package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/oauth2"
)

// ErrTokenNotSet indicates no OAuth token is available yet; Google-backed
// execution stays disabled until one is provisioned.
var ErrTokenNotSet = errors.New("no oauth token defined")

// FileToken is a TokenSource backed by a JSON token file, the shape written
// by the standard oauth2 flow tooling.
type FileToken struct {
	mu          sync.RWMutex
	token       *oauth2.Token
	persistPath string
}

// NewFileToken loads the token from disk if the file exists.
func NewFileToken(persistPath string) (*FileToken, error) {
	t := &FileToken{persistPath: persistPath}
	if persistPath == "" {
		return t, nil
	}

	f, err := os.Open(persistPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("os.Open failed: %w", err)
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	t.token = token
	return t, nil
}

func (t *FileToken) OAuthToken() (*oauth2.Token, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.token == nil {
		return nil, ErrTokenNotSet
	}
	return t.token, nil
}

// Set replaces the token and persists it when a path is configured.
func (t *FileToken) Set(token *oauth2.Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.token = token
	if t.persistPath == "" || token == nil {
		return nil
	}

	f, err := os.OpenFile(t.persistPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("os.OpenFile failed: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	return nil
}

// Configured reports whether a token is loaded.
func (t *FileToken) Configured() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token != nil
}
