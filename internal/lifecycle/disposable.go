package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
)

// CreateDisposable spawns a DispVM from baseName's default_dispvm chain
// (spec §4.3's wide disposable-id range) and marks it for auto-cleanup
// (spec §4.4 "Remove"), so a later Kill tears it down as soon as it
// stops. It does not start the new qube; call Start separately.
func (m *Manager) CreateDisposable(ctx context.Context, baseName string) (string, error) {
	base, ok := m.App.Collection.ByName(baseName)
	if !ok {
		return "", qerrors.Validationf("no such qube %q", baseName)
	}

	dispvmBase := base
	if v, set, err := base.StringProp("default_dispvm"); err == nil && set && v != "" {
		if resolved, ok := m.App.Collection.ByName(v); ok {
			dispvmBase = resolved
		}
	}

	dispid, err := m.App.Collection.NewUnusedDispID()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("disp%d", dispid)

	qid, err := m.App.Collection.NewUnusedQID()
	if err != nil {
		m.App.Collection.ReleaseDispID(dispid)
		return "", err
	}
	q := qube.NewQube(m.App.Bus(), qid, uuid.New(), name, qube.ClassDisposable)
	if err := q.Store.SetRaw("qid", qid); err != nil {
		return "", err
	}
	if err := q.Store.SetRaw("uuid", q.UUID().String()); err != nil {
		return "", err
	}
	if err := q.Store.SetRaw("name", name); err != nil {
		return "", err
	}
	if err := q.Store.SetRaw("class", string(qube.ClassDisposable)); err != nil {
		return "", err
	}
	if err := q.Store.SetFromString("template", dispvmBase.Name()); err != nil {
		return "", err
	}
	q.SetDispID(dispid)
	q.SetAutoCleanup(true)

	if err := m.App.Collection.Add(q); err != nil {
		m.App.Collection.ReleaseDispID(dispid)
		return "", err
	}

	return name, nil
}
