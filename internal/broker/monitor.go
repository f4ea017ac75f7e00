package broker

import "time"

// Monitor tracks whether an executor is registered and still polling.
// It is not safe for concurrent use; the Broker guards it with its mutex.
type Monitor struct {
	ttl        time.Duration
	registered bool
	info       ExecutorInfo
	lastSeen   time.Time
	// announced is the connection state last published to observers.
	announced bool
}

// NewMonitor returns a monitor. A zero ttl keeps an executor connected
// from registration until restart.
func NewMonitor(ttl time.Duration) *Monitor {
	return &Monitor{ttl: ttl}
}

// Register marks the executor connected. Repeated calls only refresh it.
func (m *Monitor) Register(info ExecutorInfo, now time.Time) {
	m.registered = true
	m.info = info
	m.lastSeen = now
}

// Touch records executor activity such as a pull or a pushed result.
func (m *Monitor) Touch(now time.Time) {
	if m.registered {
		m.lastSeen = now
	}
}

// Connected reports whether dispatch may proceed at now.
func (m *Monitor) Connected(now time.Time) bool {
	if !m.registered {
		return false
	}
	if m.ttl <= 0 {
		return true
	}
	return now.Sub(m.lastSeen) <= m.ttl
}

// LastSeen returns the last executor activity, or nil before registration.
func (m *Monitor) LastSeen() *time.Time {
	if !m.registered {
		return nil
	}
	t := m.lastSeen
	return &t
}

// transition reports a change in connection state since the last call.
func (m *Monitor) transition(now time.Time) (connected bool, changed bool) {
	connected = m.Connected(now)
	changed = connected != m.announced
	m.announced = connected
	return connected, changed
}
