package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/storagepool"
)

// deviceClasses mirrors the fixed device-class set the property/store
// layer knows about (spec §3's devices map keys).
var deviceClasses = []string{"block", "usb", "pci", "mic"}

// Clone creates a new qube with a copy of src's clonable properties and
// volumes, per spec §4.4 "Clone". Only properties whose descriptor marks
// ParticipatesInClone are carried; identity, template/netvm references,
// and anything else write-once-on-the-original stay at their defaults on
// the copy.
func (m *Manager) Clone(ctx context.Context, srcName, dstName string, poolName string) (*qube.Qube, error) {
	src, err := m.lookup(srcName)
	if err != nil {
		return nil, err
	}

	if err := qube.ValidateQubeName(dstName); err != nil {
		return nil, err
	}
	if _, exists := m.App.Collection.ByName(dstName); exists {
		return nil, qerrors.Conflictf("qube %q already exists", dstName)
	}

	unlock := m.locks.Lock(srcName)
	defer unlock()

	running, err := m.isRunning(ctx, src)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, qerrors.Preconditionf("qube %q must be stopped before cloning", srcName)
	}

	qid, err := m.App.Collection.NewUnusedQID()
	if err != nil {
		return nil, err
	}

	dst := qube.NewQube(m.App.Bus(), qid, uuid.New(), dstName, src.Class())
	if err := dst.Store.SetRaw("qid", qid); err != nil {
		return nil, err
	}
	if err := dst.Store.SetRaw("uuid", dst.UUID().String()); err != nil {
		return nil, err
	}
	if err := dst.Store.SetRaw("name", dstName); err != nil {
		return nil, err
	}
	if err := dst.Store.SetRaw("class", string(src.Class())); err != nil {
		return nil, err
	}

	for _, propName := range src.Store.List() {
		d, ok := src.Store.Descriptor(propName)
		if !ok || !d.Clone() {
			continue
		}
		v, set, err := src.Store.Get(propName)
		if err != nil || !set {
			continue
		}
		if err := dst.Store.SetRaw(propName, v); err != nil {
			return nil, qerrors.Wrap(qerrors.Bug, err, "cloning property %q", propName)
		}
	}

	for _, tag := range src.Tags.List() {
		if err := dst.Tags.Add(tag); err != nil {
			return nil, err
		}
	}
	for _, class := range deviceClasses {
		for _, a := range src.Devices.List(class) {
			if err := dst.Devices.Attach(class, a); err != nil {
				return nil, err
			}
		}
	}

	if err := m.cloneVolumes(ctx, src, dst, poolName); err != nil {
		return nil, err
	}

	if err := m.App.Collection.Add(dst); err != nil {
		return nil, err
	}

	logQube("qube cloned", dst, logging.Ctx{"from": srcName})
	return dst, nil
}

func (m *Manager) cloneVolumes(ctx context.Context, src, dst *qube.Qube, poolName string) error {
	for _, v := range src.Volumes() {
		target := v.Pool
		if poolName != "" {
			target = poolName
		}
		pool, err := m.pool(target)
		if err != nil {
			return err
		}

		srcVol := storagepool.Volume{QubeName: src.Name(), Kind: storagepool.VolumeKind(v.Name), Pool: v.Pool}
		dstVol := storagepool.Volume{
			QubeName: dst.Name(), Kind: storagepool.VolumeKind(v.Name), Pool: target,
			SizeKiB: v.SizeKiB, SnapOnStart: v.SnapOnStart, SaveOnStop: v.SaveOnStop,
		}
		if err := pool.Clone(ctx, srcVol, dstVol); err != nil {
			return qerrors.Wrap(qerrors.External, err, "clone volume %q", v.Name)
		}
		dst.SetVolume(qube.VolumeConfig{
			Name: v.Name, Pool: target, SizeKiB: v.SizeKiB,
			SnapOnStart: v.SnapOnStart, SaveOnStop: v.SaveOnStop,
		})
	}
	return nil
}

// Rename changes a stopped qube's name, re-keying the collection index
// and relocating its volumes to match (the pool layout keys volumes by
// qube name).
func (m *Manager) Rename(ctx context.Context, oldName, newName string) error {
	q, err := m.lookup(oldName)
	if err != nil {
		return err
	}

	if err := qube.ValidateQubeName(newName); err != nil {
		return err
	}

	unlock := m.locks.Lock(oldName)
	defer unlock()

	if q.Class() == qube.ClassAdmin {
		return qerrors.PermissionDeniedf("dom0 cannot be renamed")
	}

	running, err := m.isRunning(ctx, q)
	if err != nil {
		return err
	}
	if running {
		return qerrors.Preconditionf("qube %q must be stopped before renaming", oldName)
	}

	for _, v := range q.Volumes() {
		pool, err := m.pool(v.Pool)
		if err != nil {
			return err
		}
		src := storagepool.Volume{QubeName: oldName, Kind: storagepool.VolumeKind(v.Name), Pool: v.Pool}
		dst := storagepool.Volume{QubeName: newName, Kind: storagepool.VolumeKind(v.Name), Pool: v.Pool}
		if err := pool.Clone(ctx, src, dst); err != nil {
			return qerrors.Wrap(qerrors.External, err, "relocate volume %q to new name", v.Name)
		}
		if err := pool.Remove(ctx, src); err != nil {
			return qerrors.Wrap(qerrors.External, err, "remove old-named volume %q", v.Name)
		}
	}

	coll := q.Collection()
	if coll == nil {
		return qerrors.New(qerrors.Bug, "qube %q is not attached to a collection", oldName)
	}
	if err := coll.Rename(q, newName); err != nil {
		return err
	}

	logQube("qube renamed", q, logging.Ctx{"from": oldName})
	return nil
}

// Remove deletes a stopped qube with no remaining dependents, per spec
// §4.4 "Remove": domain-pre-delete/domain-delete fire through
// Collection.Del, then the backing volumes and domain definition go.
func (m *Manager) Remove(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}

	if q.Class() == qube.ClassAdmin {
		return qerrors.PermissionDeniedf("dom0 cannot be removed")
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	running, err := m.isRunning(ctx, q)
	if err != nil {
		return err
	}
	if running {
		return qerrors.Preconditionf("qube %q must be stopped before removal", name)
	}

	if dependents := m.App.Collection.ConnectedVMs(q); len(dependents) > 0 {
		return qerrors.Preconditionf("qube %q still has %d dependent qube(s)", name, len(dependents))
	}

	if err := m.App.Collection.Del(q); err != nil {
		return err
	}

	for _, v := range q.Volumes() {
		pool, err := m.pool(v.Pool)
		if err != nil {
			continue // already removed from collection; best effort on disk cleanup
		}
		_ = pool.Remove(ctx, storagepool.Volume{QubeName: name, Kind: storagepool.VolumeKind(v.Name), Pool: v.Pool})
	}

	if err := m.HV.Undefine(ctx, name); err != nil {
		logging.Warn("undefine domain during remove failed", logging.Ctx{"qube": name, "err": err.Error()})
	}

	if q.DispID() > 0 {
		m.App.Collection.ReleaseDispID(q.DispID())
	}

	logQube("qube removed", q, nil)
	return nil
}
