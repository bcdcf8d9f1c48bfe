package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/oauth2"
)

// TokenStore is a file-backed oauth2 token cache. Token reads that trigger
// a refresh are serialized so concurrent callers produce exactly one
// network exchange, and every refreshed token is written back before it is
// handed out.
type TokenStore struct {
	fs   afero.Fs
	path string
	cfg  *oauth2.Config

	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
}

// NewTokenStore creates a TokenStore over the token file at path.
func NewTokenStore(fs afero.Fs, path string, cfg *oauth2.Config) *TokenStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &TokenStore{fs: fs, path: path, cfg: cfg}
}

// Token returns a valid token, refreshing and persisting it when expired.
// Implements oauth2.TokenSource.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil {
		tok, err := s.read()
		if err != nil {
			return nil, err
		}
		s.cached = tok
	}
	if s.cached.Valid() {
		return s.cached, nil
	}

	if s.source == nil {
		s.source = s.cfg.TokenSource(context.Background(), s.cached)
	}
	tok, err := s.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh oauth token: %w", err)
	}
	if tok.AccessToken != s.cached.AccessToken {
		if err := s.write(tok); err != nil {
			return nil, err
		}
	}
	s.cached = tok
	return tok, nil
}

// Save persists a token obtained out of band, e.g. from an initial consent
// flow.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(tok); err != nil {
		return err
	}
	s.cached = tok
	s.source = nil
	return nil
}

func (s *TokenStore) read() (*oauth2.Token, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no oauth token at %s, connection needs (re)authorization", s.path)
		}
		return nil, fmt.Errorf("failed to read oauth token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse oauth token %s: %w", s.path, err)
	}
	return &tok, nil
}

func (s *TokenStore) write(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode oauth token: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
