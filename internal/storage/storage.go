// Package storage persists peers, app metadata, permissions and migration
// state. Storage is the raw get/set surface; Extended layers the
// read-modify-write operations the rest of the module uses on top of it.
package storage

import (
	"context"
	"sync"

	"github.com/philsphicas/beacon/internal/beacon"
)

// Storage is a key/value store of whole collections. Implementations must
// be safe for concurrent use; Extended serializes its own updates.
type Storage interface {
	Peers(ctx context.Context) ([]beacon.Peer, error)
	SetPeers(ctx context.Context, peers []beacon.Peer) error

	AppMetadata(ctx context.Context) ([]beacon.AppMetadata, error)
	SetAppMetadata(ctx context.Context, md []beacon.AppMetadata) error

	Permissions(ctx context.Context) ([]beacon.Permission, error)
	SetPermissions(ctx context.Context, perms []beacon.Permission) error

	// SDKVersion is the version of the code that last wrote the store.
	SDKVersion(ctx context.Context) (string, error)
	SetSDKVersion(ctx context.Context, version string) error

	// Migrations lists the ids of applied migrations.
	Migrations(ctx context.Context) ([]string, error)
	SetMigrations(ctx context.Context, ids []string) error
}

// State is the full contents of a store.
type State struct {
	Peers       []beacon.Peer        `json:"peers,omitempty"`
	AppMetadata []beacon.AppMetadata `json:"appMetadata,omitempty"`
	Permissions []beacon.Permission  `json:"permissions,omitempty"`
	SDKVersion  string               `json:"sdkVersion,omitempty"`
	Migrations  []string             `json:"migrations,omitempty"`
}

// Memory is an in-process Storage. The zero value is empty and ready to
// use.
type Memory struct {
	mu    sync.RWMutex
	state State
}

var _ Storage = (*Memory)(nil)

// NewMemory returns a store holding a copy of s.
func NewMemory(s State) *Memory {
	m := &Memory{}
	m.restore(s)
	return m
}

// Snapshot returns a copy of the store's contents.
func (m *Memory) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Peers:       clone(m.state.Peers),
		AppMetadata: clone(m.state.AppMetadata),
		Permissions: clone(m.state.Permissions),
		SDKVersion:  m.state.SDKVersion,
		Migrations:  clone(m.state.Migrations),
	}
}

func (m *Memory) restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		Peers:       clone(s.Peers),
		AppMetadata: clone(s.AppMetadata),
		Permissions: clone(s.Permissions),
		SDKVersion:  s.SDKVersion,
		Migrations:  clone(s.Migrations),
	}
}

func (m *Memory) Peers(context.Context) ([]beacon.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.state.Peers), nil
}

func (m *Memory) SetPeers(_ context.Context, peers []beacon.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Peers = clone(peers)
	return nil
}

func (m *Memory) AppMetadata(context.Context) ([]beacon.AppMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.state.AppMetadata), nil
}

func (m *Memory) SetAppMetadata(_ context.Context, md []beacon.AppMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AppMetadata = clone(md)
	return nil
}

func (m *Memory) Permissions(context.Context) ([]beacon.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.state.Permissions), nil
}

func (m *Memory) SetPermissions(_ context.Context, perms []beacon.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Permissions = clone(perms)
	return nil
}

func (m *Memory) SDKVersion(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.SDKVersion, nil
}

func (m *Memory) SetSDKVersion(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SDKVersion = version
	return nil
}

func (m *Memory) Migrations(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.state.Migrations), nil
}

func (m *Memory) SetMigrations(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Migrations = clone(ids)
	return nil
}

func clone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append([]T(nil), s...)
}
