package proc

import (
	"time"

	"github.com/google/pprof/profile"

	"nanokern/defs"
)

// Profile builds an on-demand pprof profile of per-process user/system
// time (accnt.Accnt_t) and kernel lock contention (lock.Spinlock_t's
// stats.Cycles_t/Counter_t counters), giving both a real exporter instead
// of the teacher's print-only Stats2String. The lock columns are zero
// unless stats.Stats (acquires) and stats.Timing (wait) were turned on for
// the measurement window; the per-process user/sys times are reported
// either way, and the profile is always well-formed.
//
// The four sample types are shared across every sample so the resulting
// profile.Profile is valid pprof (one Value slice length for the whole
// profile): a process sample fills user-ns/sys-ns and leaves the lock
// columns zero, the lock sample does the opposite.
func (k *Kernel_t) Profile(h defs.HartID) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user-time", Unit: "nanoseconds"},
			{Type: "sys-time", Unit: "nanoseconds"},
			{Type: "lock-wait", Unit: "nanoseconds"},
			{Type: "lock-acquires", Unit: "count"},
		},
		TimeNanos: time.Now().UnixNano(),
	}

	var nextID uint64
	locFor := func(name string) *profile.Location {
		nextID++
		f := &profile.Function{ID: nextID, Name: name}
		p.Function = append(p.Function, f)
		l := &profile.Location{ID: nextID, Line: []profile.Line{{Function: f, Line: 1}}}
		p.Location = append(p.Location, l)
		return l
	}

	for _, pr := range k.Procs(h) {
		pr.Accnt.Lock()
		userns, sysns := pr.Accnt.Userns, pr.Accnt.Sysns
		pr.Accnt.Unlock()
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{locFor(pr.Name)},
			Value:    []int64{userns, sysns, 0, 0},
			Label:    map[string][]string{"proc": {pr.Name}},
			NumLabel: map[string][]int64{"pid": {int64(pr.Pid)}},
		})
	}

	acquires, wait := k.ProcLock.Stats()
	p.Sample = append(p.Sample, &profile.Sample{
		Location: []*profile.Location{locFor("proctable-lock")},
		Value:    []int64{0, 0, wait, acquires},
		Label:    map[string][]string{"lock": {"proctable"}},
	})

	return p
}
