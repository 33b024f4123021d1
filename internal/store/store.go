package store

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/uuid"
	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
)

// AdminGID is the group ownership applied to the store file on save (spec
// §4.3, §6). Resolved at daemon startup in production; left as -1 here
// (unchanged) when the caller doesn't care, e.g. in tests.
var AdminGID = -1

// Store mediates all access to one on-disk XML document. One Store exists
// per App; it remembers the mtime observed at the last successful Load so
// Save can detect a concurrent out-of-process writer (I8).
type Store struct {
	Path string

	mu           sync.Mutex
	loadedMtime  time.Time
	haveLoadedAt bool
}

// New returns a Store bound to path. Call Load (or bootstrap a fresh App
// and Save) before using it.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load runs the five-stage load of spec §4.3 and returns a fresh App.
// If the store file does not exist yet, Load returns a brand-new App
// (dom0 only) with no mtime recorded, so the first Save always succeeds.
func (s *Store) Load(bus *events.Bus) (*qube.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		app, err := qube.NewApp(bus, s.Path)
		if err != nil {
			return nil, err
		}
		s.haveLoadedAt = false
		return app, nil
	}
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "read store file")
	}

	fi, err := os.Stat(s.Path)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "stat store file")
	}

	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, qerrors.Wrap(qerrors.Validation, err, "parse store XML")
	}

	app, err := loadFromDocument(bus, s.Path, &doc)
	if err != nil {
		return nil, err
	}

	s.loadedMtime = fi.ModTime()
	s.haveLoadedAt = true

	return app, nil
}

// loadFromDocument implements stages 1-5 of §4.3.
func loadFromDocument(bus *events.Bus, path string, doc *xmlDocument) (*qube.App, error) {
	app, err := qube.NewApp(bus, path)
	if err != nil {
		return nil, err
	}

	// Loading must not fire property/domain events: bulk load runs with
	// events disabled, per spec §4.1.
	app.SetEventsEnabledDuringLoad(false)
	defer app.SetEventsEnabledDuringLoad(true)

	// Stage 1: labels and pools.
	for _, l := range doc.Labels {
		_ = app.Labels.Add(qube.Label{Index: l.Index, Color: l.Color, Name: l.Name})
	}
	for _, p := range doc.Pools {
		cfg := make(map[string]string, len(p.Config))
		for _, kv := range p.Config {
			cfg[kv.Key] = kv.Value
		}
		app.AddPool(qube.PoolConfig{Name: p.Name, Driver: p.Driver, Config: cfg})
	}

	// Stage 2: qube stubs (qid, name, uuid, class), added to collection.
	// dom0 already exists from NewApp; skip re-adding it, but let its
	// saved properties flow through stage 4 like any other qube.
	stubs := make(map[string]*qube.Qube, len(doc.Domains))
	for _, d := range doc.Domains {
		qid, name, uid, cls, err := domainIdentity(d)
		if err != nil {
			return nil, err
		}

		if qid == 0 {
			q, _ := app.Collection.ByQID(0)
			stubs[d.ID] = q
			continue
		}

		q := qube.NewQube(bus, qid, uid, name, cls)
		q.SetEventsEnabled(false)
		if err := q.Store.SetRaw("qid", qid); err != nil {
			return nil, err
		}
		if err := q.Store.SetRaw("name", name); err != nil {
			return nil, err
		}
		if err := q.Store.SetRaw("uuid", uid.String()); err != nil {
			return nil, err
		}
		if err := q.Store.SetRaw("class", string(cls)); err != nil {
			return nil, err
		}
		if err := app.Collection.Add(q); err != nil {
			return nil, err
		}
		stubs[d.ID] = q
	}

	// Stage 3: App-level global properties.
	for _, p := range doc.Properties {
		if err := app.Store.SetFromString(p.Name, p.Value); err != nil {
			return nil, qerrors.Wrap(qerrors.Validation, err, "app property %s", p.Name)
		}
	}

	// Stage 4: remaining per-qube properties, features, tags, devices,
	// volumes, firewall — including inter-qube references, which can now
	// resolve because every qube stub from stage 2 exists.
	for _, d := range doc.Domains {
		q := stubs[d.ID]
		if q == nil {
			continue
		}
		if err := applyDomainBody(q, d); err != nil {
			return nil, err
		}
	}

	// Stage 5: invariant fix-ups — enforce I3 on orphaned netvm refs.
	for _, q := range app.Collection.All() {
		v, set, err := q.Store.Get("netvm")
		if err == nil && set {
			if name, _ := v.(string); name != "" {
				if err := qube.ValidateNetvmRef(app.Collection, q, name); err != nil {
					logging.Warn("clearing invalid netvm reference on load", logging.Ctx{"qube": q.Name(), "netvm": name, "err": err.Error()})
					_ = q.Store.Delete("netvm")
				}
			}
		}
	}

	return app, nil
}

func domainIdentity(d xmlDomain) (qid int, name string, id uuid.UUID, cls qube.Class, err error) {
	var rawQID, rawName, rawUUID string
	for _, p := range d.Properties {
		switch p.Name {
		case "qid":
			rawQID = p.Value
		case "name":
			rawName = p.Value
		case "uuid":
			rawUUID = p.Value
		}
	}

	if rawQID == "" || rawName == "" {
		return 0, "", uuid.UUID{}, "", qerrors.Validationf("domain %s missing qid/name", d.ID)
	}

	if _, err = fmt.Sscanf(rawQID, "%d", &qid); err != nil {
		return 0, "", uuid.UUID{}, "", qerrors.Validationf("domain %s invalid qid %q", d.ID, rawQID)
	}

	if rawUUID != "" {
		id, err = uuid.Parse(rawUUID)
		if err != nil {
			return 0, "", uuid.UUID{}, "", qerrors.Validationf("domain %s invalid uuid %q", d.ID, rawUUID)
		}
	} else {
		id = uuid.New()
	}

	cls = qube.Class(d.Class)
	if !cls.Valid() {
		return 0, "", uuid.UUID{}, "", qerrors.Validationf("domain %s invalid class %q", d.ID, d.Class)
	}

	return qid, rawName, id, cls, nil
}

func applyDomainBody(q *qube.Qube, d xmlDomain) error {
	for _, p := range d.Properties {
		if p.Name == "qid" || p.Name == "name" || p.Name == "uuid" || p.Name == "class" {
			continue // already applied in stage 2
		}
		if err := q.Store.SetFromString(p.Name, p.Value); err != nil {
			return qerrors.Wrap(qerrors.Validation, err, "qube %s property %s", q.Name(), p.Name)
		}
	}

	for _, f := range d.Features {
		if err := q.Features.Set(f.Key, f.Value); err != nil {
			return err
		}
	}

	for _, t := range d.Tags {
		if err := q.Tags.Add(t); err != nil {
			return err
		}
	}

	for _, dc := range d.Devices {
		for _, a := range dc.Assignments {
			opts := make(map[string]string, len(a.Options))
			for _, kv := range a.Options {
				opts[kv.Key] = kv.Value
			}
			if err := q.Devices.Attach(dc.Name, qube.DeviceAssignment{
				BackendQube: a.Backend, Ident: a.Ident, Options: opts, Persistent: a.Persistent,
			}); err != nil {
				return err
			}
		}
	}

	for _, v := range d.Volumes {
		q.SetVolume(qube.VolumeConfig{
			Name: v.Name, Pool: v.Pool, SizeKiB: v.SizeKiB,
			SnapOnStart: v.SnapOnStart, SaveOnStop: v.SaveOnStop, Source: v.Source,
		})
	}

	rules := make([]qube.FirewallRule, 0, len(d.Firewall))
	for _, r := range d.Firewall {
		rules = append(rules, qube.FirewallRule{
			Action: r.Action, Proto: r.Proto, DstHost: r.DstHost, DstPorts: r.DstPorts, Comment: r.Comment,
		})
	}
	q.SetFirewall(rules)

	return nil
}

// Save implements the concurrent-safe save algorithm of spec §4.3.
func (s *Store) Save(app *qube.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.Path)

	for {
		f, err := os.OpenFile(s.Path, os.O_RDWR|os.O_CREATE, 0660)
		if err != nil {
			return qerrors.Wrap(qerrors.External, err, "open store file")
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "lock store file")
		}

		fi, statErr := os.Stat(s.Path)
		if statErr != nil || !os.SameFile(fi, mustLstatFD(f)) {
			// The path was renamed/unlinked out from under us between
			// open and lock; retry from scratch against the new path.
			f.Close()
			continue
		}

		if s.haveLoadedAt && !fi.ModTime().Equal(s.loadedMtime) {
			f.Close()
			return qerrors.Conflictf("store file changed since load (mtime mismatch); reload and retry")
		}

		doc := toDocument(app)

		out, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			f.Close()
			return qerrors.Wrap(qerrors.Bug, err, "marshal store XML")
		}

		tmp, err := os.CreateTemp(dir, ".qubes-"+filepath.Base(s.Path)+"-*")
		if err != nil {
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "create temp store file")
		}
		tmpPath := tmp.Name()

		if _, err := tmp.Write(out); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "write temp store file")
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "fsync temp store file")
		}
		tmp.Close()

		if err := os.Chmod(tmpPath, 0660); err != nil {
			os.Remove(tmpPath)
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "chmod temp store file")
		}
		if AdminGID >= 0 {
			_ = os.Chown(tmpPath, -1, AdminGID)
		}

		if err := os.Rename(tmpPath, s.Path); err != nil {
			os.Remove(tmpPath)
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "rename temp store file into place")
		}

		newFI, err := os.Stat(s.Path)
		if err != nil {
			f.Close()
			return qerrors.Wrap(qerrors.External, err, "stat new store file")
		}
		s.loadedMtime = newFI.ModTime()
		s.haveLoadedAt = true

		// Closing releases the flock; everything above has already
		// committed the rename, so this is safe to do last.
		f.Close()
		return nil
	}
}

func mustLstatFD(f *os.File) os.FileInfo {
	fi, err := f.Stat()
	if err != nil {
		return nil
	}
	return fi
}

func toDocument(app *qube.App) *xmlDocument {
	doc := &xmlDocument{Version: "1"}

	for _, l := range app.Labels.All() {
		doc.Labels = append(doc.Labels, xmlLabel{Index: l.Index, Color: l.Color, Name: l.Name})
	}

	for name, p := range app.Pools() {
		pool := xmlPool{Name: name, Driver: p.Driver}
		for k, v := range p.Config {
			pool.Config = append(pool.Config, xmlKV{Key: k, Value: v})
		}
		doc.Pools = append(doc.Pools, pool)
	}

	for _, name := range app.Store.List() {
		if !app.Store.IsSet(name) {
			continue
		}
		d, _ := app.Store.Descriptor(name)
		v, _, _ := app.Store.Get(name)
		sv, err := d.Format(v)
		if err != nil {
			continue
		}
		doc.Properties = append(doc.Properties, xmlProperty{Name: name, Value: sv})
	}

	for _, q := range app.Collection.All() {
		doc.Domains = append(doc.Domains, domainToXML(q))
	}

	return doc
}

func domainToXML(q *qube.Qube) xmlDomain {
	d := xmlDomain{ID: fmt.Sprintf("domain-%d", q.QID()), Class: string(q.Class())}

	for _, name := range q.Store.List() {
		if !q.Store.IsSet(name) {
			continue
		}
		desc, _ := q.Store.Descriptor(name)
		v, _, _ := q.Store.Get(name)
		sv, err := desc.Format(v)
		if err != nil {
			continue
		}
		d.Properties = append(d.Properties, xmlProperty{Name: name, Value: sv})
	}

	for _, k := range q.Features.Keys() {
		v, _ := q.Features.Get(k)
		d.Features = append(d.Features, xmlKV{Key: k, Value: v})
	}

	d.Tags = q.Tags.List()

	for _, class := range deviceClassesOf(q) {
		dc := xmlDeviceClass{Name: class}
		for _, a := range q.Devices.List(class) {
			da := xmlDeviceAssignment{Backend: a.BackendQube, Ident: a.Ident, Persistent: a.Persistent}
			for k, v := range a.Options {
				da.Options = append(da.Options, xmlKV{Key: k, Value: v})
			}
			dc.Assignments = append(dc.Assignments, da)
		}
		d.Devices = append(d.Devices, dc)
	}

	for name, v := range q.Volumes() {
		d.Volumes = append(d.Volumes, xmlVolume{
			Name: name, Pool: v.Pool, SizeKiB: v.SizeKiB,
			SnapOnStart: v.SnapOnStart, SaveOnStop: v.SaveOnStop, Source: v.Source,
		})
	}

	for _, r := range q.Firewall() {
		d.Firewall = append(d.Firewall, xmlFirewallRule{
			Action: r.Action, Proto: r.Proto, DstHost: r.DstHost, DstPorts: r.DstPorts, Comment: r.Comment,
		})
	}

	return d
}

// deviceClasses is the fixed set of device classes the daemon knows
// about (spec §3's "devices (class→set-of-assignments)"); block and USB
// are the two the reference daemon ships with.
var deviceClasses = []string{"block", "usb", "pci", "mic"}

func deviceClassesOf(q *qube.Qube) []string {
	var out []string
	for _, c := range deviceClasses {
		if len(q.Devices.List(c)) > 0 {
			out = append(out, c)
		}
	}
	return out
}
