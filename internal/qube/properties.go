package qube

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openqube/qubesd/internal/property"
	"github.com/openqube/qubesd/internal/qerrors"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateQubeName enforces the name invariants of spec §3: leading
// letter, length <= 31, not "lost+found". Uniqueness (I1) is enforced by
// Collection, not here, because it requires the whole-collection view.
func ValidateQubeName(name string) error {
	if name == "" {
		return qerrors.Validationf("name must not be empty")
	}
	if len(name) > 31 {
		return qerrors.Validationf("name %q exceeds 31 characters", name)
	}
	if name == "lost+found" {
		return qerrors.Validationf("name %q is reserved", name)
	}
	if !nameRE.MatchString(name) {
		return qerrors.Validationf("name %q must start with a letter and contain only [a-zA-Z0-9_-]", name)
	}
	return nil
}

func intParser(s string) (int, error) { return strconv.Atoi(s) }
func intSaver(v int) string           { return strconv.Itoa(v) }
func boolParser(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, nil
	case "", "0", "false", "no":
		return false, nil
	default:
		return false, qerrors.Validationf("invalid boolean %q", s)
	}
}
func boolSaver(v bool) string {
	if v {
		return "1"
	}
	return ""
}
func strParser(s string) (string, error) { return s, nil }
func strSaver(v string) string           { return v }

// HostLimits describes the host capacity constraints consulted by
// property setters for I6 (memory/maxmem/vcpus bounds). The App installs
// a concrete value once host info is known; qube construction before that
// point uses generous defaults so load doesn't fail on limits it can't
// yet evaluate.
type HostLimits struct {
	MemoryTotalKiB int64
	CPUs           int
}

var hostLimits = HostLimits{MemoryTotalKiB: 1 << 34, CPUs: 256}

// SetHostLimits installs the limits I6 validates property writes against.
func SetHostLimits(l HostLimits) { hostLimits = l }

func registerQubeProperties(s *property.Store) {
	s.Register(&property.TypedDescriptor[int]{
		PropName: "qid", IsWriteOnce: true, Stage: 2,
		Parser: intParser, Saver: intSaver,
	})
	s.Register(&property.TypedDescriptor[string]{
		PropName: "uuid", IsWriteOnce: true, Stage: 2,
		Parser: strParser, Saver: strSaver,
	})
	s.Register(&property.TypedDescriptor[string]{
		PropName: "name", IsWriteOnce: true, Stage: 2, ParticipatesInClone: false,
		Parser: strParser, Saver: strSaver,
		Setter: func(h property.Host, v string) (string, error) {
			if err := ValidateQubeName(v); err != nil {
				return "", err
			}
			return v, nil
		},
	})
	s.Register(&property.TypedDescriptor[string]{
		PropName: "class", IsWriteOnce: true, Stage: 2,
		Parser: strParser, Saver: strSaver,
		Setter: func(h property.Host, v string) (string, error) {
			if !Class(v).Valid() {
				return "", qerrors.Validationf("invalid class %q", v)
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[string]{
		PropName: "label", Stage: 4, ParticipatesInClone: true,
		Parser: strParser, Saver: strSaver,
	})

	s.Register(&property.TypedDescriptor[string]{
		PropName: "virt_mode", Stage: 4, ParticipatesInClone: true,
		Parser: strParser, Saver: strSaver,
		DefaultFn: func(h property.Host) (string, error) { return "hvm", nil },
		Setter: func(h property.Host, v string) (string, error) {
			if v != "pv" && v != "hvm" {
				return "", qerrors.Validationf("virt_mode must be pv or hvm, got %q", v)
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[int]{
		PropName: "memory", Stage: 4, ParticipatesInClone: true,
		Parser: intParser, Saver: intSaver,
		DefaultFn: func(h property.Host) (int, error) { return 400 * 1024, nil },
		Setter: func(h property.Host, v int) (int, error) {
			if q, ok := h.(*Qube); ok && q.Class() == ClassAdmin {
				return 0, qerrors.Validationf("dom0 memory cannot be overridden")
			}
			if v <= 0 {
				return 0, qerrors.Validationf("memory must be positive")
			}
			if int64(v) > hostLimits.MemoryTotalKiB {
				return 0, qerrors.Validationf("memory %d KiB exceeds host total %d KiB", v, hostLimits.MemoryTotalKiB)
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[int]{
		PropName: "maxmem", Stage: 4, ParticipatesInClone: true,
		Parser: intParser, Saver: intSaver,
		DefaultFn: func(h property.Host) (int, error) {
			q, ok := h.(*Qube)
			if !ok {
				return 0, fmt.Errorf("maxmem default only applies to qubes")
			}
			mem, _, err := q.Store.Get("memory")
			if err != nil {
				return 0, err
			}
			m, _ := mem.(int)
			return 4 * m, nil
		},
		Setter: func(h property.Host, v int) (int, error) {
			q, ok := h.(*Qube)
			if ok {
				mem, _, err := q.Store.Get("memory")
				if err == nil {
					m, _ := mem.(int)
					if m > 0 && v > 10*m {
						return 0, qerrors.Validationf("maxmem %d exceeds 10x memory (%d)", v, m)
					}
				}
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[int]{
		PropName: "vcpus", Stage: 4, ParticipatesInClone: true,
		Parser: intParser, Saver: intSaver,
		DefaultFn: func(h property.Host) (int, error) { return 2, nil },
		Setter: func(h property.Host, v int) (int, error) {
			if v < 1 {
				return 0, qerrors.Validationf("vcpus must be >= 1")
			}
			if v > hostLimits.CPUs {
				return 0, qerrors.Validationf("vcpus %d exceeds host cpu count %d", v, hostLimits.CPUs)
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[string]{
		PropName: "kernel", Stage: 4, ParticipatesInClone: true,
		Parser: strParser, Saver: strSaver,
		Setter: func(h property.Host, v string) (string, error) {
			if q, ok := h.(*Qube); ok && q.Class() == ClassAdmin {
				return "", qerrors.Validationf("dom0 kernel cannot be overridden")
			}
			return v, nil
		},
	})
	s.Register(&property.TypedDescriptor[string]{PropName: "kernelopts", Stage: 4, ParticipatesInClone: true, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "default_user", Stage: 4, ParticipatesInClone: true, Parser: strParser, Saver: strSaver,
		DefaultFn: func(h property.Host) (string, error) { return "user", nil }})

	s.Register(&property.TypedDescriptor[int]{
		PropName: "qrexec_timeout", Stage: 4, ParticipatesInClone: true,
		Parser: intParser, Saver: intSaver,
		DefaultFn: func(h property.Host) (int, error) { return 60, nil },
		Setter: func(h property.Host, v int) (int, error) {
			if v <= 0 {
				return 0, qerrors.Validationf("qrexec_timeout must be > 0")
			}
			return v, nil
		},
	})

	s.Register(&property.TypedDescriptor[bool]{PropName: "autostart", Stage: 4, ParticipatesInClone: true, Parser: boolParser, Saver: boolSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "mac", Stage: 4, ParticipatesInClone: true, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[bool]{
		PropName: "include_in_backups", Stage: 4, ParticipatesInClone: true, Parser: boolParser, Saver: boolSaver,
		DefaultFn: func(h property.Host) (bool, error) { return true, nil },
	})
	s.Register(&property.TypedDescriptor[bool]{PropName: "debug", Stage: 4, ParticipatesInClone: true, Parser: boolParser, Saver: boolSaver})

	s.Register(&property.TypedDescriptor[string]{PropName: "template", Stage: 4, ParticipatesInClone: false, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[string]{
		PropName: "netvm", Stage: 4, ParticipatesInClone: false,
		Parser: strParser, Saver: strSaver,
		Setter: func(h property.Host, v string) (string, error) {
			if q, ok := h.(*Qube); ok && q.Class() == ClassAdmin {
				return "", qerrors.Validationf("dom0 cannot have a netvm")
			}
			return v, nil
		},
	})
	s.Register(&property.TypedDescriptor[bool]{PropName: "provides_network", Stage: 4, ParticipatesInClone: true, Parser: boolParser, Saver: boolSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "default_dispvm", Stage: 4, ParticipatesInClone: true, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[bool]{PropName: "template_for_dispvms", Stage: 4, ParticipatesInClone: true, Parser: boolParser, Saver: boolSaver})
}
