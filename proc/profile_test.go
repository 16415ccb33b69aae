package proc

import (
	"testing"

	"nanokern/defs"
	"nanokern/mem"
	"nanokern/stats"
	"nanokern/vm"
)

func TestProfileReportsPerProcessAccounting(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()
	as, ok := vm.As_new()
	if !ok {
		t.Fatal("as_new: out of memory")
	}

	halt := make(chan struct{})
	schedDone := make(chan struct{})
	go func() {
		k.HartSchedLoop(0, halt)
		close(schedDone)
	}()

	finished := make(chan struct{})
	entry := func(k *Kernel_t, p *Proc_t, h defs.HartID) int {
		p.Accnt.Utadd(1000)
		p.Accnt.Systadd(2000)
		close(finished)
		return 0
	}
	p := k.Spawn(0, "acct-test", entry, as, nil, nil)
	if p == nil {
		t.Fatal("spawn: process table full")
	}
	<-finished
	<-p.done
	close(halt)
	<-schedDone

	prof := k.Profile(0)
	var found bool
	for _, s := range prof.Sample {
		names, ok := s.Label["proc"]
		if !ok || len(names) == 0 || names[0] != "acct-test" {
			continue
		}
		found = true
		if s.Value[0] != 1000 || s.Value[1] != 2000 {
			t.Fatalf("sample value = %v, want [1000 2000 0 0]", s.Value)
		}
	}
	if !found {
		t.Fatal("profile missing a sample for the spawned process")
	}
}

// TestProfileReportsLockContention confirms the proctable-lock sample
// tracks real ProcLock acquisitions once stats.Stats is turned on.
func TestProfileReportsLockContention(t *testing.T) {
	mem.Phys_init(64)
	k := NewKernel()

	old := stats.Stats
	stats.Stats = true
	defer func() { stats.Stats = old }()

	for i := 0; i < 3; i++ {
		as, ok := vm.As_new()
		if !ok {
			t.Fatal("as_new: out of memory")
		}
		if k.Spawn(0, "filler", func(k *Kernel_t, p *Proc_t, h defs.HartID) int { return 0 }, as, nil, nil) == nil {
			t.Fatal("spawn: process table full")
		}
	}

	prof := k.Profile(0)
	var gotAcquires int64
	for _, s := range prof.Sample {
		if names, ok := s.Label["lock"]; ok && len(names) > 0 && names[0] == "proctable" {
			gotAcquires = s.Value[3]
		}
	}
	if gotAcquires <= 0 {
		t.Fatalf("proctable-lock acquires = %d, want > 0 after 3 spawns", gotAcquires)
	}
}
