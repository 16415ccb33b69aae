package proc

// Sigalarm arms a periodic alarm: every period ticks of this process's own
// execution, handler is invoked (by trap dispatch, at the next user-trap
// return) as if the process had called it directly, with the
// interrupted trap frame saved so Sigreturn can restore it. Passing
// period == 0 disarms the alarm. Matches xv6-riscv's sigalarm/sigreturn
// pair, which spec.md's non-goals single out as the one signal this
// kernel supports.
func (p *Proc_t) Sigalarm(period, handler int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Alarm.Period = period
	p.Alarm.Handler = handler
	p.Alarm.Elapsed = 0
}

// TickAlarm advances p's alarm clock by one tick of its own execution and
// reports whether the handler should be delivered now. It refuses to
// re-arm delivery while a previous delivery's handler is still running
// (InHandler), preventing the re-entrant-alarm bug class sigreturn exists
// to guard against.
func (p *Proc_t) TickAlarm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Alarm.Period == 0 || p.Alarm.InHandler {
		return false
	}
	p.Alarm.Elapsed++
	if p.Alarm.Elapsed < p.Alarm.Period {
		return false
	}
	p.Alarm.Elapsed = 0
	p.Alarm.InHandler = true
	return true
}

// Sigreturn clears the re-entry guard so the alarm may fire again, and
// returns the trap frame saved when the handler was delivered.
func (p *Proc_t) Sigreturn() [32]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Alarm.InHandler = false
	return p.Alarm.SavedTf
}
