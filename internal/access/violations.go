package access

import "time"

// Violation is one recorded denial.
type Violation struct {
	Rule RuleType  `json:"rule"`
	Op   Operation `json:"op"`
	At   time.Time `json:"at"`
	seq  uint64
}

// violationLog is a fixed-capacity ring; the oldest violation is overwritten.
type violationLog struct {
	buf  []Violation
	next int
	size int
	seq  uint64
}

func newViolationLog(capacity int) *violationLog {
	return &violationLog{buf: make([]Violation, capacity)}
}

func (l *violationLog) add(v Violation) Violation {
	l.seq++
	v.seq = l.seq
	l.buf[l.next] = v
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	return v
}

// each visits violations newest first until fn returns false.
func (l *violationLog) each(fn func(Violation) bool) {
	for i := 0; i < l.size; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		if !fn(l.buf[idx]) {
			return
		}
	}
}

// streak counts violations of rule recorded at or after cutoff and after
// sequence number floor.
func (l *violationLog) streak(rule RuleType, cutoff time.Time, floor uint64) int {
	n := 0
	l.each(func(v Violation) bool {
		if v.seq <= floor || v.At.Before(cutoff) {
			return false
		}
		if v.Rule == rule {
			n++
		}
		return true
	})
	return n
}

// snapshot returns the log oldest first.
func (l *violationLog) snapshot() []Violation {
	out := make([]Violation, l.size)
	i := l.size - 1
	l.each(func(v Violation) bool {
		out[i] = v
		i--
		return true
	})
	return out
}
