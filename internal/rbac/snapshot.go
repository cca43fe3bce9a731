package rbac

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// edge_permissions.json is a generated artifact. It is rewritten wholesale
// by `scripts/edgesync` (or the rbac:edge_sync job) from the live matrix;
// do not edit by hand.
//
//go:embed edge_permissions.json
var embeddedSnapshot []byte

// Snapshot is a point-in-time copy of the role to permission-names mapping,
// usable in contexts that cannot reach the store. It is the cache, frozen:
// lookups do no I/O and consumers accept staleness until the next sync run.
// It must never be the sole gate for a destructive action.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Roles       Matrix    `json:"roles"`
}

// EmbeddedSnapshot parses the snapshot bundled into the binary at build
// time.
func EmbeddedSnapshot() (*Snapshot, error) {
	return parseSnapshot(embeddedSnapshot)
}

// LoadSnapshotFile reads a snapshot from disk.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return parseSnapshot(data)
}

func parseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Roles == nil {
		snap.Roles = make(Matrix)
	}
	return &snap, nil
}

// FromMatrix builds a snapshot from a live matrix. Permission lists are
// sorted so successive syncs of the same matrix produce identical files.
func FromMatrix(matrix Matrix, now time.Time) *Snapshot {
	roles := make(Matrix, len(matrix))
	for role, perms := range matrix {
		copied := append([]string(nil), perms...)
		sort.Strings(copied)
		roles[role] = copied
	}
	return &Snapshot{GeneratedAt: now.UTC(), Roles: roles}
}

// WriteFile writes the snapshot as indented JSON. The whole file is
// replaced each time, keeping the sync idempotent and diff-friendly.
func (s *Snapshot) WriteFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// HasPermission is a pure lookup against the frozen mapping.
func (s *Snapshot) HasPermission(roleName, permissionName string) bool {
	role := ParseRoleName(roleName)
	if role.IsZero() {
		return false
	}
	return containsPermission(s.Roles[role.String()], permissionName)
}

// SnapshotChecker adapts a Snapshot to the Checker interface. Any result is
// provisional; the authoritative service may still disagree.
type SnapshotChecker struct {
	snapshot *Snapshot
	metrics  MetricsRecorder
}

// NewSnapshotChecker wraps a snapshot for use as a Checker.
func NewSnapshotChecker(snapshot *Snapshot, metrics MetricsRecorder) SnapshotChecker {
	return SnapshotChecker{snapshot: snapshot, metrics: metrics}
}

var _ Checker = SnapshotChecker{}

// HasPermission implements Checker without I/O. It degrades to a
// conservative deny when no snapshot is loaded.
func (c SnapshotChecker) HasPermission(_ context.Context, roleName, permissionName string) (bool, error) {
	allowed := c.snapshot != nil && c.snapshot.HasPermission(roleName, permissionName)
	if c.metrics != nil {
		c.metrics.PermissionCheck(CheckSourceSnapshot, allowed)
	}
	return allowed, nil
}
