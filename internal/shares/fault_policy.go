package shares

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// retryableError is returned by the persist core for failures the fault
// policy should retry (spec.md §4.G's DbException | SocketException |
// TimeoutException). Any other error is not retried: Persist sends the
// batch straight to the fallback.
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// circuitState is the hand-rolled breaker spec.md §9 explicitly sanctions
// in place of a policy library: "can be expressed without a policy
// library as a small state machine: count consecutive failures; if < N
// retry with backoff 2^n; if >= N open circuit for T; while open, divert
// to fallback; on any success, close." No circuit-breaker library exists
// anywhere in the reference corpus, so this is a deliberate stdlib
// fallback rather than a deviation from "always prefer a library".
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
)

// ErrBrokenCircuit signals that the breaker is open and the batch must be
// diverted straight to the recovery-file fallback without attempting the
// operation at all, per spec.md §4.G layer 3.
var ErrBrokenCircuit = errors.New("circuit breaker open")

// FaultPolicy implements spec.md §4.G's four-layer composition:
// fallback-on-broken-circuit -> fallback-on-exhausted-retry -> circuit
// breaker -> retry. Persist is called with an operation that performs
// one attempt; FaultPolicy handles retrying, breaker state, and routing
// to the fallback on exhaustion.
type FaultPolicy struct {
	consecutiveFailureThreshold int
	openDuration                time.Duration

	state           circuitState
	consecutive     int
	openedAt        time.Time
	fallback        func(batch []ShareStatistic)
	fallbackOnce    func()
	fallbackFired   bool

	log *logrus.Entry
}

func NewFaultPolicy(log *logrus.Entry, fallback func(batch []ShareStatistic), onFirstFallback func()) *FaultPolicy {
	return &FaultPolicy{
		consecutiveFailureThreshold: 2,
		openDuration:                time.Minute,
		state:                       circuitClosed,
		fallback:                    fallback,
		fallbackOnce:                onFirstFallback,
		log:                         log,
	}
}

// Persist runs attempt with retry (3x, backoff 2s/4s/8s) guarded by the
// breaker, falling back to the recovery file when the circuit is open or
// retries are exhausted. It never returns an error: every batch either
// lands in the database or the recovery file, per spec.md §4.G's
// "log fatally once and drop silently thereafter" only applying if the
// fallback write itself fails (handled by the caller's fallback func).
func (fp *FaultPolicy) Persist(ctx context.Context, batch []ShareStatistic, attempt func(ctx context.Context) error) {
	if fp.circuitIsOpen() {
		fp.log.WithField("batch_size", len(batch)).Warn("circuit open, routing batch to recovery file")
		fp.routeToFallback(batch)
		return
	}

	err := fp.retryWithBackoff(ctx, attempt)
	if err == nil {
		fp.onSuccess()
		return
	}

	fp.onFailure()

	if !isRetryable(err) {
		fp.log.WithError(err).Error("non-retryable persist failure")
		fp.routeToFallback(batch)
		return
	}

	fp.log.WithError(err).Warn("persist retries exhausted, routing batch to recovery file")
	fp.routeToFallback(batch)
}

func (fp *FaultPolicy) retryWithBackoff(ctx context.Context, attempt func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newFixedBackoff(), 3), ctx)
	return backoff.Retry(func() error {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// newFixedBackoff returns the exact 2s/4s/8s exponential sequence
// spec.md §4.G specifies, rather than cenkalti/backoff's default
// jittered exponential curve.
func newFixedBackoff() backoff.BackOff {
	return &doublingBackoff{next: 2 * time.Second}
}

type doublingBackoff struct {
	next time.Duration
}

func (d *doublingBackoff) NextBackOff() time.Duration {
	cur := d.next
	d.next *= 2
	return cur
}

func (d *doublingBackoff) Reset() {
	d.next = 2 * time.Second
}

func (fp *FaultPolicy) circuitIsOpen() bool {
	if fp.state != circuitOpen {
		return false
	}
	if time.Since(fp.openedAt) >= fp.openDuration {
		fp.state = circuitClosed
		fp.consecutive = 0
		return false
	}
	return true
}

func (fp *FaultPolicy) onSuccess() {
	fp.state = circuitClosed
	fp.consecutive = 0
}

func (fp *FaultPolicy) onFailure() {
	fp.consecutive++
	if fp.consecutive >= fp.consecutiveFailureThreshold {
		fp.state = circuitOpen
		fp.openedAt = time.Now()
	}
}

func (fp *FaultPolicy) routeToFallback(batch []ShareStatistic) {
	if !fp.fallbackFired {
		fp.fallbackFired = true
		if fp.fallbackOnce != nil {
			fp.fallbackOnce()
		}
	}
	fp.fallback(batch)
}

// retryableErrorSubstrings catches the connection-level failures that
// reach this layer as plain errors rather than typed *pq.Error/net.Error
// values (e.g. wrapped dial errors from a connection pool).
var retryableErrorSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"eof",
}

// IsRetryableDBError classifies sql/driver-level failures the way
// spec.md §4.G's DbException | SocketException | TimeoutException
// classification does: connection and timeout failures are transient and
// retryable, while a clear programmer error (a constraint violation, a
// syntax error, an undefined column) is not, since retrying it can only
// ever fail the same way.
func IsRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 = connection exception, 53 = insufficient resources,
		// 57 = operator intervention (e.g. admin shutdown), 58 = system
		// error. Everything else (23 = integrity constraint violation,
		// 42 = syntax/access rule violation, ...) is a programmer error.
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range retryableErrorSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
