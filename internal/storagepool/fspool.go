package storagepool

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openqube/qubesd/internal/qerrors"
)

// DirPool is a directory-backed Pool: each volume is a flat file under
// base/<qube>/<kind>, revisions are sibling files named
// <kind>.rev.<id>, with the revision list kept in memory. It mirrors
// the reference daemon's "dir" driver (lxd/storage/drivers, exercised
// by volume_test.go as the baseline non-block-backed driver) without
// its LVM/ZFS/Ceph cgo and exec dependencies, which have no portable
// third-party Go binding in this stack.
type DirPool struct {
	name string
	base string

	mu  sync.Mutex
	rev map[string][]Revision
}

func NewDirPool(name, base string) *DirPool {
	return &DirPool{name: name, base: base, rev: make(map[string][]Revision)}
}

func (p *DirPool) Name() string   { return p.name }
func (p *DirPool) Driver() string { return "dir" }

func (p *DirPool) volPath(v Volume) string {
	return filepath.Join(p.base, v.QubeName, string(v.Kind))
}

func (p *DirPool) Create(ctx context.Context, v Volume) error {
	path := p.volPath(v)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "create volume directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return qerrors.Conflictf("volume %s/%s already exists", v.QubeName, v.Kind)
		}
		return qerrors.Wrap(qerrors.Resource, err, "create volume file")
	}
	defer f.Close()
	if v.SizeKiB > 0 {
		if err := f.Truncate(v.SizeKiB * 1024); err != nil {
			return qerrors.Wrap(qerrors.Resource, err, "size volume file")
		}
	}
	return nil
}

func (p *DirPool) Remove(ctx context.Context, v Volume) error {
	if err := os.Remove(p.volPath(v)); err != nil && !os.IsNotExist(err) {
		return qerrors.Wrap(qerrors.Resource, err, "remove volume file")
	}
	p.mu.Lock()
	delete(p.rev, p.volPath(v))
	p.mu.Unlock()
	return nil
}

func (p *DirPool) Clone(ctx context.Context, src, dst Volume) error {
	in, err := os.Open(p.volPath(src))
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open source volume")
	}
	defer in.Close()

	dstPath := p.volPath(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "create destination directory")
	}
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "create destination volume")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "copy volume contents")
	}
	return nil
}

func (p *DirPool) Resize(ctx context.Context, v Volume, newSizeKiB int64) error {
	f, err := os.OpenFile(p.volPath(v), os.O_WRONLY, 0o640)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open volume for resize")
	}
	defer f.Close()
	if err := f.Truncate(newSizeKiB * 1024); err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "truncate volume")
	}
	return nil
}

func (p *DirPool) Export(ctx context.Context, v Volume, w io.Writer) error {
	f, err := os.Open(p.volPath(v))
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open volume for export")
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (p *DirPool) Import(ctx context.Context, v Volume, r io.Reader) error {
	path := p.volPath(v)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "create volume directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open volume for import")
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// ListRevisions returns snapshots taken via an explicit Snapshot call
// (not part of the Pool interface; exercised through the pool's own
// test helpers). Absent any snapshot, it returns an empty slice.
func (p *DirPool) ListRevisions(ctx context.Context, v Volume) ([]Revision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]Revision{}, p.rev[p.volPath(v)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot records a named revision by copying the current volume
// contents aside. No caller outside this package's tests uses it.
func (p *DirPool) Snapshot(ctx context.Context, v Volume, id string) error {
	src := p.volPath(v)
	dst := src + ".rev." + id
	in, err := os.Open(src)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open volume for snapshot")
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "create revision file")
	}
	defer out.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rev[src] = append(p.rev[src], Revision{ID: id, SizeKiB: n / 1024})
	return nil
}

func (p *DirPool) Revert(ctx context.Context, v Volume, revisionID string) error {
	src := p.volPath(v) + ".rev." + revisionID
	in, err := os.Open(src)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open revision")
	}
	defer in.Close()

	out, err := os.OpenFile(p.volPath(v), os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "open volume for revert")
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (p *DirPool) Verify(ctx context.Context, v Volume) error {
	info, err := os.Stat(p.volPath(v))
	if err != nil {
		return qerrors.Wrap(qerrors.Resource, err, "stat volume")
	}
	if info.IsDir() {
		return qerrors.Resourcef("volume %s/%s is a directory, not a file", v.QubeName, v.Kind)
	}
	return nil
}
