package metrics

import "sync"

// Event counter names. They are exported through PrometheusHandler as the
// `event` label.
const (
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	PresenceBroadcasts = "presence_broadcasts"
	JoinRenames        = "join_renames"
	JoinIgnored        = "join_ignored"
	MessagesRelayed    = "messages_relayed"
	MessagesMalformed  = "messages_malformed"
	SendDropped        = "send_dropped"
	WriteErrors        = "write_errors"
	OriginRejected     = "origin_rejected"

	DropReasonRateLimited = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics, which makes metrics optional for
// callers and tests.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
