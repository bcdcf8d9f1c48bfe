package connectors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// Registry persists Connection records as a single JSON array. Every
// mutation is serialized under one lock and written atomically via a temp
// file plus rename, so a crash mid-write never corrupts the registry.
type Registry struct {
	fs     afero.Fs
	path   string
	logger hclog.Logger

	mu          sync.Mutex
	connections []*Connection
	loaded      bool
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	// Fs defaults to the OS filesystem; tests pass a memory fs.
	Fs afero.Fs

	// Path is the registry JSON file.
	Path string

	Logger hclog.Logger
}

// NewRegistry creates a Registry. The backing file is created on first
// write; a missing file reads as an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Registry{
		fs:     cfg.Fs,
		path:   cfg.Path,
		logger: cfg.Logger.Named("connector-registry"),
	}, nil
}

// Create validates and persists a new connection, returning it with id and
// timestamps assigned.
func (r *Registry) Create(conn Connection) (*Connection, error) {
	if conn.UserID == "" {
		return nil, quarryerr.New(quarryerr.KindInvalidInput, "connection requires a user id")
	}
	if !validType(conn.Type) {
		return nil, quarryerr.Newf(quarryerr.KindInvalidInput,
			"unknown connector type %q", conn.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conn.ID = uuid.New().String()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	conn.Active = true

	r.connections = append(r.connections, &conn)
	if err := r.saveLocked(); err != nil {
		r.connections = r.connections[:len(r.connections)-1]
		return nil, err
	}
	r.logger.Info("created connection", "id", conn.ID, "type", conn.Type, "user_id", conn.UserID)
	return conn.clone(), nil
}

// Get returns the caller's connection or NOT_FOUND / ACCESS_DENIED.
func (r *Registry) Get(userID, id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	conn := r.findLocked(id)
	if conn == nil {
		return nil, quarryerr.Newf(quarryerr.KindNotFound, "connection %s not found", id)
	}
	if conn.UserID != userID {
		return nil, quarryerr.Newf(quarryerr.KindAccessDenied, "connection %s belongs to another user", id)
	}
	return conn.clone(), nil
}

// List returns the caller's connections, newest first.
func (r *Registry) List(userID string) ([]*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	out := make([]*Connection, 0)
	for _, conn := range r.connections {
		if conn.UserID == userID {
			out = append(out, conn.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update applies mutate to the caller's connection under the registry lock
// and persists the result.
func (r *Registry) Update(userID, id string, mutate func(*Connection)) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	conn := r.findLocked(id)
	if conn == nil {
		return nil, quarryerr.Newf(quarryerr.KindNotFound, "connection %s not found", id)
	}
	if conn.UserID != userID {
		return nil, quarryerr.Newf(quarryerr.KindAccessDenied, "connection %s belongs to another user", id)
	}

	mutate(conn)
	conn.UpdatedAt = time.Now().UTC()
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return conn.clone(), nil
}

// Delete removes the caller's connection.
func (r *Registry) Delete(userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}

	for i, conn := range r.connections {
		if conn.ID != id {
			continue
		}
		if conn.UserID != userID {
			return quarryerr.Newf(quarryerr.KindAccessDenied, "connection %s belongs to another user", id)
		}
		r.connections = append(r.connections[:i], r.connections[i+1:]...)
		return r.saveLocked()
	}
	return quarryerr.Newf(quarryerr.KindNotFound, "connection %s not found", id)
}

// UpdateLastSync stamps the connection's last successful sync.
func (r *Registry) UpdateLastSync(userID, id string, at time.Time) error {
	_, err := r.Update(userID, id, func(conn *Connection) {
		t := at.UTC()
		conn.LastSyncAt = &t
	})
	return err
}

// FindByChannelID resolves a webhook channel to its connection regardless of
// owner. Returns nil when no active connection matches; webhook delivery
// after channel expiry is routine, not an error.
func (r *Registry) FindByChannelID(channelID string) (*Connection, error) {
	if channelID == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	for _, conn := range r.connections {
		if conn.WebhookChannelID == channelID && conn.Active {
			return conn.clone(), nil
		}
	}
	return nil, nil
}

func (r *Registry) findLocked(id string) *Connection {
	for _, conn := range r.connections {
		if conn.ID == id {
			return conn
		}
	}
	return nil
}

func (r *Registry) loadLocked() error {
	if r.loaded {
		return nil
	}

	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.connections = nil
			r.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read connector registry: %w", err)
	}

	var connections []*Connection
	if err := json.Unmarshal(data, &connections); err != nil {
		return fmt.Errorf("failed to parse connector registry %s: %w", r.path, err)
	}
	r.connections = connections
	r.loaded = true
	return nil
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.connections, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connector registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write registry temp file: %w", err)
	}
	if err := r.fs.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}
