// Package storagepool defines the external storage pool adapter of spec
// §6: create/remove/clone/resize/export/import/revision-tracking for a
// qube's volumes. The shape follows the reference daemon's storage
// driver Volume abstraction (lxd/storage/drivers: a Volume carries its
// own config plus the owning pool's config, and every mutating call
// takes a Volume rather than bare strings).
package storagepool

import (
	"context"
	"io"
)

// VolumeKind mirrors the reference driver's VolumeType split between
// root/private/volatile purposes (spec §3's volumes map keys).
type VolumeKind string

const (
	VolumeRoot     VolumeKind = "root"
	VolumePrivate  VolumeKind = "private"
	VolumeVolatile VolumeKind = "volatile"
	VolumeKernel   VolumeKind = "kernel"
)

// Volume is a single pool-backed volume belonging to one qube.
type Volume struct {
	QubeName    string
	Kind        VolumeKind
	Pool        string
	SizeKiB     int64
	SnapOnStart bool
	SaveOnStop  bool
	Config      map[string]string
}

// Revision identifies one point-in-time snapshot of a volume, returned
// by ListRevisions and consumed by Revert.
type Revision struct {
	ID        string
	CreatedAt string // RFC3339; kept as string so the adapter never needs time.Now
	SizeKiB   int64
}

// Pool is the external storage pool adapter of spec §6. Each Pool value
// is one pool; a daemon may have several active (spec §3's PoolConfig
// list), and a Volume's Pool field names the pool it belongs to. The
// methods take a Volume, not a separate pool name.
type Pool interface {
	Name() string
	Driver() string

	Create(ctx context.Context, v Volume) error
	Remove(ctx context.Context, v Volume) error
	Clone(ctx context.Context, src, dst Volume) error
	Resize(ctx context.Context, v Volume, newSizeKiB int64) error

	Export(ctx context.Context, v Volume, w io.Writer) error
	Import(ctx context.Context, v Volume, r io.Reader) error

	ListRevisions(ctx context.Context, v Volume) ([]Revision, error)
	Revert(ctx context.Context, v Volume, revisionID string) error

	// Verify checks the volume's on-disk state is consistent (the
	// reference driver's "check" pass run before attaching to a domain).
	Verify(ctx context.Context, v Volume) error
}
