package stats

import (
	"strings"
	"testing"
	"time"
)

func TestCountersNoopWhenDisabled(t *testing.T) {
	var c Counter_t
	var cy Cycles_t
	c.Inc()
	cy.Add(Rdtsc())
	if c != 0 || cy != 0 {
		t.Fatalf("counters moved while Stats/Timing are disabled: c=%d cy=%d", c, cy)
	}
}

func TestCountersAccumulateWhenEnabled(t *testing.T) {
	oldStats, oldTiming := Stats, Timing
	Stats, Timing = true, true
	defer func() { Stats, Timing = oldStats, oldTiming }()

	var c Counter_t
	c.Inc()
	c.Inc()
	if c != 2 {
		t.Fatalf("Counter_t = %d, want 2", c)
	}

	var cy Cycles_t
	start := Rdtsc()
	time.Sleep(time.Millisecond)
	cy.Add(start)
	if cy <= 0 {
		t.Fatalf("Cycles_t = %d after a sleep, want positive elapsed time", cy)
	}
}

func TestStats2StringFormatsEnabledCounters(t *testing.T) {
	oldStats := Stats
	Stats = true
	defer func() { Stats = oldStats }()

	type probe struct {
		Hits  Counter_t
		Waits Cycles_t
	}
	var p probe
	p.Hits.Inc()
	p.Waits.Add(Rdtsc())

	s := Stats2String(p)
	if !strings.Contains(s, "Hits") || !strings.Contains(s, "Waits") {
		t.Fatalf("Stats2String(%v) = %q, missing a field name", p, s)
	}
}

func TestStats2StringEmptyWhenDisabled(t *testing.T) {
	type probe struct{ Hits Counter_t }
	if s := Stats2String(probe{}); s != "" {
		t.Fatalf("Stats2String with stats disabled = %q, want empty", s)
	}
}
