package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
)

// Target names a collection a migration rewrites.
type Target string

const (
	TargetPeers       Target = "peers"
	TargetAppMetadata Target = "appMetadata"
	TargetPermissions Target = "permissions"
)

// Migration is one idempotent storage upgrade. It applies to stores last
// written by a version at or below FromVersion.
type Migration struct {
	ID          string
	FromVersion string
	Targets     []Target
	Perform     func(ctx context.Context, s Storage) error
}

// Migrations is the built-in upgrade list, oldest first.
var Migrations = []Migration{
	{
		ID:          "v1.0.4-peer-id",
		FromVersion: "1.0.4",
		Targets:     []Target{TargetPeers},
		Perform:     assignPeerIDs,
	},
}

// assignPeerIDs gives every stored peer without an id a random one.
func assignPeerIDs(ctx context.Context, s Storage) error {
	peers, err := s.Peers(ctx)
	if err != nil {
		return err
	}
	changed := false
	for i := range peers {
		if peers[i].ID == "" {
			peers[i].ID = uuid.NewString()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.SetPeers(ctx, peers)
}

// Migrator runs migrations once against a store.
type Migrator struct {
	Storage Storage
	// Version is the SDK version recorded after a successful run.
	Version    string
	Migrations []Migration
	Logger     *slog.Logger
}

// Run applies every migration that has not been applied and whose
// FromVersion is not below the stored SDK version, then records Version.
// It stops at the first failing migration.
func (m *Migrator) Run(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stored, err := m.Storage.SDKVersion(ctx)
	if err != nil {
		return fmt.Errorf("load sdk version: %w", err)
	}
	applied, err := m.Storage.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	for _, mg := range m.Migrations {
		if slices.Contains(applied, mg.ID) {
			continue
		}
		if stored != "" && semver.Compare(canonical(stored), canonical(mg.FromVersion)) > 0 {
			logger.Debug("migration not needed", "migration", mg.ID, "sdk_version", stored)
			continue
		}
		if err := mg.Perform(ctx, m.Storage); err != nil {
			return fmt.Errorf("migration %s: %w", mg.ID, err)
		}
		applied = append(applied, mg.ID)
		if err := m.Storage.SetMigrations(ctx, applied); err != nil {
			return fmt.Errorf("record migration %s: %w", mg.ID, err)
		}
		logger.Info("migration applied", "migration", mg.ID, "targets", mg.Targets)
	}

	if m.Version != "" && m.Version != stored {
		if err := m.Storage.SetSDKVersion(ctx, m.Version); err != nil {
			return fmt.Errorf("store sdk version: %w", err)
		}
	}
	return nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
