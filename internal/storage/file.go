package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/philsphicas/beacon/internal/beacon"
)

// File is a Memory store that rewrites a JSON file after every change.
type File struct {
	*Memory
	path string

	saveMu sync.Mutex
}

var _ Storage = (*File)(nil)

// OpenFile loads path, or starts empty if it does not exist.
func OpenFile(path string) (*File, error) {
	f := &File{Memory: &Memory{}, path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode storage %s: %w", path, err)
	}
	f.restore(s)
	return f, nil
}

// save writes the snapshot to a temporary file and renames it over path.
func (f *File) save() error {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	data, err := json.MarshalIndent(f.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	return nil
}

func (f *File) SetPeers(ctx context.Context, peers []beacon.Peer) error {
	if err := f.Memory.SetPeers(ctx, peers); err != nil {
		return err
	}
	return f.save()
}

func (f *File) SetAppMetadata(ctx context.Context, md []beacon.AppMetadata) error {
	if err := f.Memory.SetAppMetadata(ctx, md); err != nil {
		return err
	}
	return f.save()
}

func (f *File) SetPermissions(ctx context.Context, perms []beacon.Permission) error {
	if err := f.Memory.SetPermissions(ctx, perms); err != nil {
		return err
	}
	return f.save()
}

func (f *File) SetSDKVersion(ctx context.Context, version string) error {
	if err := f.Memory.SetSDKVersion(ctx, version); err != nil {
		return err
	}
	return f.save()
}

func (f *File) SetMigrations(ctx context.Context, ids []string) error {
	if err := f.Memory.SetMigrations(ctx, ids); err != nil {
		return err
	}
	return f.save()
}
