// Misc API handlers (spec §4.6): called by unprivileged qubes about
// themselves — feature requests and update-status notification. Unlike
// admin.* methods, cc.SourceQube here is the only identity that matters:
// a qube may only ever describe itself, never cc.Dest.
package mgmt

import (
	"strings"

	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
)

// MiscHandlers bundles the misc-socket method set.
type MiscHandlers struct {
	App *qube.App
}

func (m *MiscHandlers) Register(reg *Registry) map[string]bool {
	mutating := map[string]bool{}
	reg.Register("qubes.FeaturesRequest", m.featuresRequest)
	mutating["qubes.FeaturesRequest"] = true
	reg.Register("qubes.NotifyUpdates", m.notifyUpdates)
	mutating["qubes.NotifyUpdates"] = true
	return mutating
}

func (m *MiscHandlers) caller(cc *CallContext) (*qube.Qube, error) {
	q, ok := m.App.Collection.ByName(cc.SourceQube)
	if !ok {
		return nil, qerrors.Validationf("unknown calling qube %q", cc.SourceQube)
	}
	return q, nil
}

// featuresRequest lets a qube announce the features it supports, one
// "key=value" pair per payload line, recorded under a "supported-"
// prefix so they never collide with admin-assigned features (spec §4.8
// coercion rules apply the same way to these as to admin-set values).
func (m *MiscHandlers) featuresRequest(cc *CallContext) ([]byte, error) {
	q, err := m.caller(cc)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(cc.Payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		untrustedKey, untrustedValue, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := q.Features.Set("supported-"+untrustedKey, untrustedValue); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// notifyUpdates records whether the calling qube believes updates are
// pending, surfaced to the admin API as the "updates-available" feature.
func (m *MiscHandlers) notifyUpdates(cc *CallContext) ([]byte, error) {
	q, err := m.caller(cc)
	if err != nil {
		return nil, err
	}
	untrustedFlag := strings.TrimSpace(string(cc.Payload))
	return nil, q.Features.Set("updates-available", untrustedFlag == "1")
}
