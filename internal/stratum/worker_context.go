package stratum

import (
	"net"
	"sync/atomic"
	"time"
)

// Endpoint is a local or remote ip:port pair, captured once at connect time.
type Endpoint struct {
	IP   string
	Port int
}

func EndpointFromAddr(addr net.Addr) Endpoint {
	host, port := splitHostPort(addr.String())
	return Endpoint{IP: host, Port: port}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			port = 0
			break
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

// VarDiffState is present iff vardiff is enabled for the connection, per
// spec.md §3's invariant `varDiffState = none ⇔ vardiff disabled`. The
// ring buffer and retarget bookkeeping itself is delegated to the shared
// vardiff.Manager (internal/stratum/vardiff), keyed by connection id; this
// struct only records whether delegation is currently active and when it
// was last consulted.
type VarDiffState struct {
	Enabled      bool
	LastRetarget time.Time
}

// ShareStats is the pair of lifetime counters spec.md §3 lists on
// WorkerContext.
type ShareStats struct {
	ValidShares   uint64
	InvalidShares uint64
}

// WorkerContext is the per-connection mutable state described in spec.md
// §3/§4.A. Exactly one handler runs per connection at a time (see spec.md
// §5 "Handlers for a single connection are serialized"), so the fields
// that are only ever touched from within a request handler need no
// locking; the few fields read from other goroutines (JobBroadcaster,
// BanManager, the idle reaper) are atomic or behind the narrow
// difficulty mutex below.
type WorkerContext struct {
	ConnID string

	RemoteEndpoint Endpoint
	LocalEndpoint  Endpoint

	IsSubscribed atomic.Bool
	IsAuthorized atomic.Bool

	UserAgent string

	Miner  string // payout address
	Worker string // free-form worker suffix

	VersionRollingMask uint32
	HasVersionRolling  bool

	VarDiff VarDiffState

	LastActivity atomic.Int64 // unix nanos

	Stats ShareStats // only mutated by the owning connection's handler loop

	diffMu            chanMutex
	difficulty        float64
	pendingDifficulty float64
	hasPending        bool
}

// chanMutex is a trivial channel-based mutex so WorkerContext does not pull
// in sync.Mutex for a field touched by exactly one non-owner goroutine
// (the JobBroadcaster promoting a pending difficulty) at a time.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// NewWorkerContext creates per-connection state with the given starting
// difficulty (the endpoint's configured base difficulty).
func NewWorkerContext(connID string, remote, local Endpoint, baseDifficulty float64) *WorkerContext {
	wc := &WorkerContext{
		ConnID:         connID,
		RemoteEndpoint: remote,
		LocalEndpoint:  local,
		difficulty:     baseDifficulty,
		diffMu:         newChanMutex(),
	}
	wc.LastActivity.Store(time.Now().UnixNano())
	return wc
}

func (wc *WorkerContext) TouchActivity() {
	wc.LastActivity.Store(time.Now().UnixNano())
}

func (wc *WorkerContext) LastActivityTime() time.Time {
	return time.Unix(0, wc.LastActivity.Load())
}

// Difficulty returns the currently active difficulty.
func (wc *WorkerContext) Difficulty() float64 {
	wc.diffMu.Lock()
	defer wc.diffMu.Unlock()
	return wc.difficulty
}

// SetDifficulty records a pending difficulty without touching the active
// one, per spec.md §4.A. The caller must still emit set_difficulty after a
// subsequent ApplyPendingDifficulty promotes it.
func (wc *WorkerContext) SetDifficulty(d float64) {
	wc.diffMu.Lock()
	defer wc.diffMu.Unlock()
	wc.pendingDifficulty = d
	wc.hasPending = true
}

// ApplyPendingDifficulty promotes a pending difficulty to active and
// reports whether a promotion happened. Idempotent after the first call
// until the next SetDifficulty, per spec.md §8's invariant.
func (wc *WorkerContext) ApplyPendingDifficulty() (newDifficulty float64, promoted bool) {
	wc.diffMu.Lock()
	defer wc.diffMu.Unlock()
	if !wc.hasPending {
		return wc.difficulty, false
	}
	wc.difficulty = wc.pendingDifficulty
	wc.hasPending = false
	return wc.difficulty, true
}

func (wc *WorkerContext) RecordValidShare() {
	wc.Stats.ValidShares++
}

func (wc *WorkerContext) RecordInvalidShare() {
	wc.Stats.InvalidShares++
}

// WorkerSuffix returns the device identifier used by ShareStatistic: the
// portion of Worker after the first '.', per spec.md §3's "device" field.
func (wc *WorkerContext) WorkerSuffix() string {
	w := wc.Worker
	for i := 0; i < len(w); i++ {
		if w[i] == '.' {
			return w[i+1:]
		}
	}
	return ""
}
