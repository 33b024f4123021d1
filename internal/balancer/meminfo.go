// Package balancer implements C7, the memory balancer of spec §4.7: a
// periodic control loop that reads per-qube memory-usage reports,
// computes preferred allotments, and issues shrink/grow commands to
// satisfy a global free-memory target while avoiding deadlock between
// releases and acquisitions.
//
// Grounded on the teacher's periodic-task idiom (internal/task, itself
// reconstructed from lxd/task) for the tick loop, and on the teacher's
// own physinfo-driven capacity checks (lxd/instance/drivers quota paths)
// for the shape of "ask the hypervisor, then issue corrective calls."
package balancer

import (
	"bufio"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/openqube/qubesd/internal/qerrors"
)

// MemInfo is the /proc/meminfo-shaped report a running qube writes to its
// configuration bus (spec §4.7), decoded into the six fields the
// balancer's arithmetic needs. All values are in KiB.
type MemInfo struct {
	MemTotal  int64 `mapstructure:"MemTotal"`
	MemFree   int64 `mapstructure:"MemFree"`
	Buffers   int64 `mapstructure:"Buffers"`
	Cached    int64 `mapstructure:"Cached"`
	SwapTotal int64 `mapstructure:"SwapTotal"`
	SwapFree  int64 `mapstructure:"SwapFree"`
}

// MeminfoKey is the configuration-bus key a qube's qrexec agent writes
// its meminfo blob to.
const MeminfoKey = "/qubes-meminfo"

// ParseMeminfo decodes a raw "Key:    123 kB" per-line blob (the literal
// shape of /proc/meminfo) into a MemInfo, using mapstructure's weak
// typing to turn each decimal field into an int64 without a bespoke
// parser per field.
func ParseMeminfo(blob string) (MemInfo, error) {
	raw := make(map[string]string)

	sc := bufio.NewScanner(strings.NewReader(blob))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		raw[strings.TrimSpace(key)] = fields[0]
	}

	var mi MemInfo
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &mi,
	})
	if err != nil {
		return MemInfo{}, qerrors.Wrap(qerrors.Bug, err, "building meminfo decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return MemInfo{}, qerrors.Wrap(qerrors.Validation, err, "decoding meminfo blob")
	}
	return mi, nil
}

// Suspicious reports whether mi fails the sanity checks of spec §4.7: a
// report is rejected (the qube's record becomes "unknown") if it claims
// more swap free than total, or more resident memory than exists.
func (mi MemInfo) Suspicious() bool {
	if mi.SwapTotal < mi.SwapFree {
		return true
	}
	if mi.MemTotal < mi.MemFree+mi.Cached+mi.Buffers {
		return true
	}
	return false
}

// Used is mem_used in spec §4.7's prefmem formula.
func (mi MemInfo) Used() int64 {
	return mi.MemTotal - mi.MemFree - mi.Cached - mi.Buffers + (mi.SwapTotal - mi.SwapFree)
}
