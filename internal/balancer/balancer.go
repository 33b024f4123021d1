package balancer

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/openqube/qubesd/internal/confbus"
	"github.com/openqube/qubesd/internal/hypervisor"
	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/task"
)

const (
	// CacheFactor is the 1.3 cache-headroom multiplier of spec §4.7;
	// load-bearing, not a tunable — downstream arithmetic assumes this
	// exact value.
	CacheFactor = 1.3

	// SafetyFactor is the 1.05 scaling applied to Allocate's donor
	// offers, absorbing rounding; surplus returns on the next idle tick.
	SafetyFactor = 1.05

	// Dom0BumpKiB is added to dom0's prefmem unconditionally (spec §4.7).
	Dom0BumpKiB = 350 * 1024

	// MinAdjustmentKiB is the smallest setmem delta the idle balancer
	// will issue, to avoid churn (spec §4.7 step 5).
	MinAdjustmentKiB = 100 * 1024

	// DefaultTick is the ~0.1s period between balance rounds.
	DefaultTick = 100 * time.Millisecond

	// DefaultMaxAllocateIterations bounds Allocate's retry loop.
	DefaultMaxAllocateIterations = 20
)

// NoBalanceSentinel disables idle balancing when present, per spec §4.7.
var NoBalanceSentinel = "/etc/do-not-membalance"

// BusLookup resolves the configuration bus of a running qube, by name.
type BusLookup func(qubeName string) (confbus.Bus, bool)

// record is the balancer's per-qube bookkeeping.
type record struct {
	valid bool
	mi    MemInfo

	actualKiB  int64
	haveActual bool
	// noProgress latches once a round observes actualKiB unchanged since
	// the previous observation. Per spec §9's open question, this is
	// preserved as a one-way latch across separate Allocate calls — it
	// is NOT reset at the start of a new Allocate, only cleared by a
	// later observation that actual did in fact change. Whether that is
	// intentional or a latent bug in the reference daemon is undecided;
	// this port keeps the behavior rather than "fixing" it.
	noProgress bool
}

// Balancer is the C7 control loop.
type Balancer struct {
	App   *qube.App
	HV    hypervisor.Adapter
	Buses BusLookup

	Tick                  time.Duration
	MaxAllocateIterations int

	// UseAlternativeSetMem switches SetMem to mem_set_alternative, which
	// writes the new target to the configuration bus and calls the
	// hypervisor in parallel rather than exclusively through the library
	// call. Spec §9 notes the reference daemon's comment that this
	// leaves the management tool showing stale values, so it is kept as
	// an opt-in fallback, defaulted off, and the library-call path
	// (SetMem's default behavior) remains primary.
	UseAlternativeSetMem bool

	mu      sync.Mutex
	records map[string]*record

	group *task.Group
}

// New constructs a Balancer with spec-default tuning. app and hv must
// not be nil; buses may be nil if the caller drives ObserveMeminfo
// itself (e.g. tests) instead of relying on the pull loop.
func New(app *qube.App, hv hypervisor.Adapter, buses BusLookup) *Balancer {
	return &Balancer{
		App:                   app,
		HV:                    hv,
		Buses:                 buses,
		Tick:                  DefaultTick,
		MaxAllocateIterations: DefaultMaxAllocateIterations,
		records:               make(map[string]*record),
	}
}

func (b *Balancer) recordFor(name string) *record {
	r, ok := b.records[name]
	if !ok {
		r = &record{}
		b.records[name] = r
	}
	return r
}

// ObserveMeminfo decodes blob and updates qubeName's record, per spec
// §4.7's suspicious-report rejection ("set the qube's record to
// unknown").
func (b *Balancer) ObserveMeminfo(qubeName, blob string) error {
	mi, err := ParseMeminfo(blob)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.recordFor(qubeName)
	if mi.Suspicious() {
		r.valid = false
		return nil
	}
	r.mi = mi
	r.valid = true
	return nil
}

// PullMeminfo reads the latest meminfo blob directly from every running
// qube's configuration bus, for callers that don't rely on push
// notifications. No-op for a qube whose bus hasn't been populated yet.
func (b *Balancer) PullMeminfo(ctx context.Context, running []*qube.Qube) {
	if b.Buses == nil {
		return
	}
	for _, q := range running {
		bus, ok := b.Buses(q.Name())
		if !ok {
			continue
		}
		blob, ok, err := bus.Read(ctx, MeminfoKey)
		if err != nil || !ok {
			continue
		}
		if err := b.ObserveMeminfo(q.Name(), blob); err != nil {
			logging.Debug("rejecting meminfo report", logging.Ctx{"qube": q.Name(), "err": err.Error()})
		}
	}
}

// prefmem computes spec §4.7's preferred size for qubeName from its last
// valid meminfo report. ok is false if there is no valid report yet.
func (b *Balancer) prefmem(qubeName string, isDom0 bool) (prefKiB int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, exists := b.records[qubeName]
	if !exists || !r.valid {
		return 0, false
	}
	pref := int64(CacheFactor * float64(r.mi.Used()))
	if isDom0 {
		pref += Dom0BumpKiB
	}
	return pref, true
}

// runningQubes returns every qube the hypervisor currently reports as
// running or paused.
func (b *Balancer) runningQubes(ctx context.Context) []*qube.Qube {
	var out []*qube.Qube
	for _, q := range b.App.Collection.All() {
		state, _, err := b.HV.State(ctx, q.Name())
		if err != nil {
			continue
		}
		if state == hypervisor.DomainRunning || state == hypervisor.DomainPaused {
			out = append(out, q)
		}
	}
	return out
}

// refreshActual re-reads each running qube's actual memory from the
// hypervisor, updating the no_progress latch (spec §4.7 step 3: "any
// qube whose actual did not change since the last iteration is flagged
// no_progress").
func (b *Balancer) refreshActual(ctx context.Context, running []*qube.Qube) {
	for _, q := range running {
		actual, err := b.HV.DomainMemory(ctx, q.Name())
		if err != nil {
			continue
		}

		b.mu.Lock()
		r := b.recordFor(q.Name())
		if r.haveActual && r.actualKiB == actual {
			r.noProgress = true
		} else if r.haveActual && r.actualKiB != actual {
			r.noProgress = false
		}
		r.actualKiB = actual
		r.haveActual = true
		b.mu.Unlock()
	}
}

func (b *Balancer) isNoProgress(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[name]
	return ok && r.noProgress
}

func (b *Balancer) actualOf(name string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[name]
	if !ok {
		return 0, false
	}
	return r.actualKiB, r.haveActual
}

// SetMem issues the balloon target for qubeName. The default path goes
// exclusively through the hypervisor adapter; see UseAlternativeSetMem
// for the kept-but-unused fallback.
func (b *Balancer) SetMem(ctx context.Context, qubeName string, targetKiB int64) error {
	if b.UseAlternativeSetMem {
		return b.memSetAlternative(ctx, qubeName, targetKiB)
	}
	return b.HV.Balloon(ctx, qubeName, targetKiB)
}

// memSetAlternative writes the target directly to the qube's
// configuration bus and calls the hypervisor balloon operation in
// parallel. Spec §9 preserves the reference daemon's note that this path
// makes the management tool show stale values (the confbus write isn't
// synchronized with the hypervisor's own idea of current memory), which
// is why it stays opt-in behind UseAlternativeSetMem rather than
// replacing the library-call path.
func (b *Balancer) memSetAlternative(ctx context.Context, qubeName string, targetKiB int64) error {
	var busErr error
	if b.Buses != nil {
		if bus, ok := b.Buses(qubeName); ok {
			busErr = bus.Write(ctx, "/memory-max", itoa(targetKiB))
		}
	}
	hvErr := b.HV.Balloon(ctx, qubeName, targetKiB)
	if hvErr != nil {
		return hvErr
	}
	return busErr
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [24]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// isDom0 reports whether q is the administrative qube, for prefmem's
// 350 MiB bump.
func isDom0(q *qube.Qube) bool { return q.Class() == qube.ClassAdmin }

// Allocate implements spec §4.7's "allocate for a request of size M":
// called before starting a qube that needs requestedKiB of headroom. It
// blocks, issuing successive rounds of donor shrinks, until xenfree
// alone covers the request or the iteration budget is exhausted.
func (b *Balancer) Allocate(ctx context.Context, requestedKiB int64) error {
	maxIter := b.MaxAllocateIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxAllocateIterations
	}

	for iter := 0; iter < maxIter; iter++ {
		pi, err := b.HV.PhysInfo(ctx)
		if err != nil {
			return qerrors.Wrap(qerrors.External, err, "querying host free memory")
		}
		if pi.FreeMemoryKiB >= requestedKiB {
			return nil
		}

		running := b.runningQubes(ctx)
		b.refreshActual(ctx, running)

		type donor struct {
			name  string
			offer int64
		}
		var donors []donor
		var available int64
		for _, q := range running {
			if b.isNoProgress(q.Name()) {
				continue
			}
			actual, ok := b.actualOf(q.Name())
			if !ok {
				continue
			}
			pref, ok := b.prefmem(q.Name(), isDom0(q))
			if !ok {
				continue
			}
			if pref < actual {
				offer := actual - pref
				donors = append(donors, donor{q.Name(), offer})
				available += offer
			}
		}

		needed := requestedKiB - pi.FreeMemoryKiB
		if available < needed {
			return qerrors.Resourcef("cannot free %d KiB: only %d KiB available from %d donor(s)", needed, available, len(donors))
		}

		scale := float64(needed) / float64(available) * SafetyFactor
		for _, d := range donors {
			actual, _ := b.actualOf(d.name)
			scaledOffer := int64(float64(d.offer) * scale)
			target := actual - scaledOffer
			if target < 0 {
				target = 0
			}
			if err := b.SetMem(ctx, d.name, target); err != nil {
				logging.Warn("allocate: setmem failed", logging.Ctx{"qube": d.name, "err": err.Error()})
			}
		}

		if !sleepTick(ctx, b.tick()) {
			return qerrors.New(qerrors.External, "allocate cancelled waiting for donors")
		}
	}

	return qerrors.Resourcef("could not free %d KiB after %d iterations", requestedKiB, maxIter)
}

func (b *Balancer) tick() time.Duration {
	if b.Tick <= 0 {
		return DefaultTick
	}
	return b.Tick
}

func sleepTick(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IdleBalance implements spec §4.7's idle-balance control mode: run
// periodically, redistributing memory toward every qube's preferred
// size without a specific pending request. A no-op if NoBalanceSentinel
// exists.
func (b *Balancer) IdleBalance(ctx context.Context) error {
	if _, err := os.Stat(NoBalanceSentinel); err == nil {
		return nil
	}

	pi, err := b.HV.PhysInfo(ctx)
	if err != nil {
		return qerrors.Wrap(qerrors.External, err, "querying host free memory")
	}

	running := b.runningQubes(ctx)
	b.refreshActual(ctx, running)

	type qstate struct {
		name   string
		actual int64
		pref   int64
	}
	var qs []qstate
	var sumNeeded, sumPref int64
	for _, q := range running {
		actual, ok := b.actualOf(q.Name())
		if !ok {
			continue
		}
		pref, ok := b.prefmem(q.Name(), isDom0(q))
		if !ok {
			continue
		}
		qs = append(qs, qstate{q.Name(), actual, pref})
		sumNeeded += pref - actual
		sumPref += pref
	}
	if len(qs) == 0 {
		return nil
	}

	totalsum := pi.FreeMemoryKiB - sumNeeded

	type adjustment struct {
		name   string
		target int64
	}
	var donors, acceptors []adjustment

	if totalsum >= 0 {
		for _, q := range qs {
			target := int64(float64(q.pref) * (1 + float64(totalsum)/float64(sumPref)) * 0.999)
			if target < q.actual {
				donors = append(donors, adjustment{q.name, target})
			} else {
				acceptors = append(acceptors, adjustment{q.name, target})
			}
		}
	} else {
		var squeezed int64
		for _, q := range qs {
			donors = append(donors, adjustment{q.name, q.pref})
			squeezed += q.actual - q.pref
		}
		for _, q := range qs {
			share := int64(float64(squeezed) * float64(q.pref) / float64(sumPref))
			acceptors = append(acceptors, adjustment{q.name, q.actual + share})
		}
	}

	// Shrink every donor first.
	shrunk := false
	for _, d := range donors {
		actual, _ := b.actualOf(d.name)
		delta := actual - d.target
		if delta < MinAdjustmentKiB {
			continue
		}
		if err := b.SetMem(ctx, d.name, d.target); err != nil {
			logging.Warn("idle balance: shrink failed", logging.Ctx{"qube": d.name, "err": err.Error()})
			continue
		}
		shrunk = true
	}

	if shrunk {
		sleepTick(ctx, b.tick())
	}

	// Grow acceptors, re-scaling the remainder of grow requests to the
	// currently-observed xenfree before each grow (spec §4.7 step 4:
	// "release-in-progress may not yet be reflected").
	sort.Slice(acceptors, func(i, j int) bool { return acceptors[i].name < acceptors[j].name })
	for i, a := range acceptors {
		actual, _ := b.actualOf(a.name)
		delta := a.target - actual
		if delta < MinAdjustmentKiB {
			continue
		}

		pi, err := b.HV.PhysInfo(ctx)
		if err != nil {
			continue
		}
		remainingWant := int64(0)
		for _, rest := range acceptors[i:] {
			restActual, _ := b.actualOf(rest.name)
			if d := rest.target - restActual; d > 0 {
				remainingWant += d
			}
		}
		target := a.target
		if remainingWant > pi.FreeMemoryKiB && remainingWant > 0 {
			scale := float64(pi.FreeMemoryKiB) / float64(remainingWant)
			target = actual + int64(float64(delta)*scale)
		}

		if err := b.SetMem(ctx, a.name, target); err != nil {
			logging.Warn("idle balance: grow failed", logging.Ctx{"qube": a.name, "err": err.Error()})
		}
	}

	return nil
}

// Start begins the periodic balance loop: each tick, pull meminfo and
// run IdleBalance. Stop with Stop.
func (b *Balancer) Start(ctx context.Context) {
	b.group = task.NewGroup()
	b.group.Add(func(tctx context.Context) {
		running := b.runningQubes(tctx)
		b.PullMeminfo(tctx, running)
		if err := b.IdleBalance(tctx); err != nil {
			logging.Warn("idle balance round failed", logging.Ctx{"err": err.Error()})
		}
	}, task.Every(b.tick()))
	b.group.Start(ctx)
}

// Stop terminates the balance loop, waiting up to timeout for the
// in-flight round to finish.
func (b *Balancer) Stop(timeout time.Duration) error {
	if b.group == nil {
		return nil
	}
	return b.group.Stop(timeout)
}
