package watch

import (
	"strings"
	"time"
)

var sparkLevels = []rune(" ▁▂▃▄▅▆▇█")

// Throughput counts finished calls per second over a sliding window.
type Throughput struct {
	buckets []int
	// head is the second the newest bucket covers.
	head time.Time
	last time.Time
}

func NewThroughput(window int) Throughput {
	if window <= 0 {
		window = 20
	}
	return Throughput{buckets: make([]int, window)}
}

func (t *Throughput) advance(now time.Time) {
	sec := now.Truncate(time.Second)
	if t.head.IsZero() {
		t.head = sec
		return
	}
	steps := int(sec.Sub(t.head) / time.Second)
	if steps <= 0 {
		return
	}
	if steps >= len(t.buckets) {
		clear(t.buckets)
	} else {
		copy(t.buckets, t.buckets[steps:])
		clear(t.buckets[len(t.buckets)-steps:])
	}
	t.head = sec
}

// Observe records a stream event seen at now. Only finished calls count.
func (t *Throughput) Observe(eventType string, now time.Time) {
	t.advance(now)
	t.last = now
	switch eventType {
	case "call.delivered", "call.failed", "call.timed_out", "call.abandoned":
		t.buckets[len(t.buckets)-1]++
	}
}

// Tick slides the window forward without recording anything.
func (t *Throughput) Tick(now time.Time) {
	t.advance(now)
}

// Total returns the calls finished inside the window.
func (t Throughput) Total() int {
	n := 0
	for _, c := range t.buckets {
		n += c
	}
	return n
}

func (t Throughput) LastEvent() time.Time {
	return t.last
}

// Render draws the window oldest first, scaled to its busiest second.
func (t Throughput) Render() string {
	peak := 0
	for _, c := range t.buckets {
		peak = max(peak, c)
	}
	var b strings.Builder
	for _, c := range t.buckets {
		level := 0
		if peak > 0 && c > 0 {
			level = 1 + c*(len(sparkLevels)-2)/peak
		}
		b.WriteRune(sparkLevels[level])
	}
	return b.String()
}
