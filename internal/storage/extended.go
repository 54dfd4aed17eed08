package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/philsphicas/beacon/internal/beacon"
)

// Extended adds upsert and predicate removal to a Storage. Its
// read-modify-write operations are serialized, so concurrent adds do not
// lose updates.
type Extended struct {
	Storage

	mu sync.Mutex
}

// NewExtended wraps s.
func NewExtended(s Storage) *Extended {
	return &Extended{Storage: s}
}

// AddPeers stores peers not already present by Peer.Key and returns the
// ones it added. A stored peer is never modified.
func (e *Extended) AddPeers(ctx context.Context, peers ...beacon.Peer) ([]beacon.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	var added []beacon.Peer
	for _, p := range peers {
		key := p.Key()
		if slices.ContainsFunc(stored, func(s beacon.Peer) bool { return s.Key() == key }) {
			continue
		}
		stored = append(stored, p)
		added = append(added, p)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := e.SetPeers(ctx, stored); err != nil {
		return nil, fmt.Errorf("store peers: %w", err)
	}
	return added, nil
}

// RemovePeers deletes the peers matching pred and returns them.
func (e *Extended) RemovePeers(ctx context.Context, pred func(beacon.Peer) bool) ([]beacon.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	var removed, kept []beacon.Peer
	for _, p := range stored {
		if pred(p) {
			removed = append(removed, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := e.SetPeers(ctx, kept); err != nil {
		return nil, fmt.Errorf("store peers: %w", err)
	}
	return removed, nil
}

// FindPeer returns the first stored peer matching pred.
func (e *Extended) FindPeer(ctx context.Context, pred func(beacon.Peer) bool) (beacon.Peer, bool, error) {
	stored, err := e.Peers(ctx)
	if err != nil {
		return beacon.Peer{}, false, fmt.Errorf("load peers: %w", err)
	}
	i := slices.IndexFunc(stored, pred)
	if i < 0 {
		return beacon.Peer{}, false, nil
	}
	return stored[i], true, nil
}

// PeerByConnection finds the stored peer routed under id.
func (e *Extended) PeerByConnection(ctx context.Context, id beacon.ConnectionID) (beacon.Peer, bool, error) {
	return e.FindPeer(ctx, func(p beacon.Peer) bool { return p.ConnectionID() == id })
}

// AddAppMetadata upserts metadata by sender id, replacing older entries.
func (e *Extended) AddAppMetadata(ctx context.Context, md ...beacon.AppMetadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.AppMetadata(ctx)
	if err != nil {
		return fmt.Errorf("load app metadata: %w", err)
	}
	for _, m := range md {
		i := slices.IndexFunc(stored, func(s beacon.AppMetadata) bool { return s.SenderID == m.SenderID })
		if i >= 0 {
			stored[i] = m
		} else {
			stored = append(stored, m)
		}
	}
	if err := e.SetAppMetadata(ctx, stored); err != nil {
		return fmt.Errorf("store app metadata: %w", err)
	}
	return nil
}

// AppMetadataFor returns the metadata stored for senderID.
func (e *Extended) AppMetadataFor(ctx context.Context, senderID string) (beacon.AppMetadata, bool, error) {
	stored, err := e.AppMetadata(ctx)
	if err != nil {
		return beacon.AppMetadata{}, false, fmt.Errorf("load app metadata: %w", err)
	}
	i := slices.IndexFunc(stored, func(s beacon.AppMetadata) bool { return s.SenderID == senderID })
	if i < 0 {
		return beacon.AppMetadata{}, false, nil
	}
	return stored[i], true, nil
}

func permissionKey(p beacon.Permission) string {
	return p.SenderID + "/" + strings.ToLower(p.AccountID)
}

// AddPermissions upserts permissions by sender and account.
func (e *Extended) AddPermissions(ctx context.Context, perms ...beacon.Permission) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.Permissions(ctx)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	for _, p := range perms {
		key := permissionKey(p)
		i := slices.IndexFunc(stored, func(s beacon.Permission) bool { return permissionKey(s) == key })
		if i >= 0 {
			stored[i] = p
		} else {
			stored = append(stored, p)
		}
	}
	if err := e.SetPermissions(ctx, stored); err != nil {
		return fmt.Errorf("store permissions: %w", err)
	}
	return nil
}

// RemovePermissions deletes the permissions matching pred and returns how
// many it removed.
func (e *Extended) RemovePermissions(ctx context.Context, pred func(beacon.Permission) bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.Permissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load permissions: %w", err)
	}
	kept := slices.DeleteFunc(stored, pred)
	n := len(stored) - len(kept)
	if n == 0 {
		return 0, nil
	}
	if err := e.SetPermissions(ctx, kept); err != nil {
		return 0, fmt.Errorf("store permissions: %w", err)
	}
	return n, nil
}
