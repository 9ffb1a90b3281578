package stratum

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimera-pool/stratum-core/internal/stratum/vardiff"
)

type fakeOutbound struct {
	responses     []*Response
	notifications []*Notification
}

func (f *fakeOutbound) SendResponse(r *Response)         { f.responses = append(f.responses, r) }
func (f *fakeOutbound) SendNotification(n *Notification) { f.notifications = append(f.notifications, n) }

type fakeBanChecker struct {
	banned     map[string]bool
	bannedIPs  []string
	threshold  int
	failures   map[string]int
	resetCalls []string
}

func newFakeBanChecker(threshold int) *fakeBanChecker {
	return &fakeBanChecker{banned: map[string]bool{}, threshold: threshold, failures: map[string]int{}}
}

func (f *fakeBanChecker) IsBanned(ip string) bool { return f.banned[ip] }
func (f *fakeBanChecker) Ban(ip string, d time.Duration) {
	f.banned[ip] = true
	f.bannedIPs = append(f.bannedIPs, ip)
}
func (f *fakeBanChecker) RecordInvalidShare(ip string) bool {
	f.failures[ip]++
	return f.failures[ip] >= f.threshold
}
func (f *fakeBanChecker) ResetFailures(ip string) {
	f.resetCalls = append(f.resetCalls, ip)
	f.failures[ip] = 0
}

type fakePoolClock struct{ blockFoundAt []time.Time }

func (f *fakePoolClock) RecordBlockFound(t time.Time) { f.blockFoundAt = append(f.blockFoundAt, t) }

type fakeEventBus struct {
	stats  []ShareStatistic
	timing []bool
}

func (f *fakeEventBus) PublishShareStatistic(stat ShareStatistic) { f.stats = append(f.stats, stat) }
func (f *fakeEventBus) PublishShareTiming(elapsed time.Duration, success bool) {
	f.timing = append(f.timing, success)
}

func newTestStateMachine(t *testing.T, jobs JobManager, endpoint EndpointConfig) (*StateMachine, *WorkerContext, *fakeEventBus, *fakeBanChecker) {
	t.Helper()
	wc := NewWorkerContext("conn-1", Endpoint{IP: "9.9.9.9"}, Endpoint{}, endpoint.BaseDifficulty)
	repo := newFakeMinerRepository()
	resolver := &AddressResolver{poolID: "pool1", repo: repo}
	cfg := vardiff.DefaultConfig()
	vd := vardiff.NewManager(cfg)
	dc := NewDifficultyController(vd, NoopNicehashService{}, endpoint.CoinName, endpoint.Algorithm, 0xFFFFFFFF)
	bus := &fakeEventBus{}
	bans := newFakeBanChecker(3)
	clock := &fakePoolClock{}

	sm := NewStateMachine(wc, endpoint, jobs, resolver, dc, bans, bus, clock, func() []interface{} { return []interface{}{"job-1"} }, logrus.NewEntry(logrus.New()))
	return sm, wc, bus, bans
}

func defaultTestEndpoint() EndpointConfig {
	return EndpointConfig{
		BaseDifficulty:         16,
		MaxShareAge:            30 * time.Second,
		BanOnLoginFailure:      true,
		LoginFailureBanTimeout: time.Minute,
		CoinName:               "testcoin",
		Algorithm:              "sha256",
	}
}

func TestStateMachine_Dispatch_MissingID(t *testing.T) {
	sm, _, _, _ := newTestStateMachine(t, newFakeJobManager(), defaultTestEndpoint())
	out := &fakeOutbound{}

	sm.Dispatch(context.Background(), &Request{Method: "mining.subscribe"}, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.NotNil(t, out.responses[0].Error)
}

func TestStateMachine_HandleSubscribe(t *testing.T) {
	jobs := newFakeJobManager()
	sm, wc, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{ID: 1, Method: "mining.subscribe", Params: []interface{}{"cpuminer/2.5"}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	assert.True(t, wc.IsSubscribed.Load())
	assert.Equal(t, "cpuminer/2.5", wc.UserAgent)
	require.Len(t, out.responses, 1)
	require.Len(t, out.notifications, 2) // set_difficulty then notify
	assert.Equal(t, "mining.set_difficulty", out.notifications[0].Method)
	assert.Equal(t, "mining.notify", out.notifications[1].Method)
}

func TestStateMachine_HandleAuthorize_LegacyAddressPath(t *testing.T) {
	jobs := newFakeJobManager()
	jobs.validAddresses["bc1qdirectaddress"] = true
	sm, wc, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{ID: 2, Method: "mining.authorize", Params: []interface{}{"bc1qdirectaddress.rig1", "x"}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	assert.True(t, wc.IsAuthorized.Load())
	assert.Equal(t, "bc1qdirectaddress", wc.Miner)
	assert.Equal(t, "rig1", wc.Worker)
	require.Len(t, out.responses, 1)
	assert.Equal(t, true, out.responses[0].Result)
}

func TestStateMachine_HandleAuthorize_FailureBansImmediately(t *testing.T) {
	jobs := newFakeJobManager()
	endpoint := defaultTestEndpoint()
	sm, wc, _, bans := newTestStateMachine(t, jobs, endpoint)
	out := &fakeOutbound{}
	// The test resolver has no database, so seed its cache: "unknown"/"x"
	// resolves to an address the job manager does not accept.
	sm.addresses.cache.Store(cacheKey("unknown", "x"), "notavalidaddress")

	req := &Request{ID: 3, Method: "mining.authorize", Params: []interface{}{"unknown.rig1", "x"}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	assert.False(t, wc.IsAuthorized.Load())
	require.Len(t, out.responses, 1)
	assert.NotNil(t, out.responses[0].Error)
	assert.True(t, bans.banned["9.9.9.9"])
}

func TestStateMachine_HandleSubmit_DropsStaleSilently(t *testing.T) {
	jobs := newFakeJobManager()
	sm, wc, bus, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	wc.IsAuthorized.Store(true)
	wc.IsSubscribed.Store(true)
	out := &fakeOutbound{}

	req := &Request{ID: 4, Method: "mining.submit", Params: []interface{}{}}
	sm.Dispatch(context.Background(), req, time.Now().Add(-time.Minute), out)

	assert.Empty(t, out.responses)
	assert.Empty(t, bus.stats)
}

func TestStateMachine_HandleSubmit_UnauthorizedRejected(t *testing.T) {
	jobs := newFakeJobManager()
	sm, _, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{ID: 5, Method: "mining.submit", Params: []interface{}{}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.NotNil(t, out.responses[0].Error)
}

func TestStateMachine_HandleSubmit_Accepted(t *testing.T) {
	jobs := newFakeJobManager()
	jobs.nextShare = &Share{PoolID: "pool1", Difficulty: 16, IsValid: true, Created: time.Now()}
	sm, wc, bus, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	wc.IsAuthorized.Store(true)
	wc.IsSubscribed.Store(true)
	out := &fakeOutbound{}

	req := &Request{ID: 6, Method: "mining.submit", Params: []interface{}{}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.Equal(t, true, out.responses[0].Result)
	require.Len(t, bus.stats, 1)
	assert.True(t, bus.stats[0].IsValid)
	assert.Equal(t, uint64(1), wc.Stats.ValidShares)
}

func TestStateMachine_HandleSubmit_AcceptedResetsBanFailures(t *testing.T) {
	jobs := newFakeJobManager()
	jobs.nextShare = &Share{PoolID: "pool1", Difficulty: 16, IsValid: true, Created: time.Now()}
	sm, wc, _, bans := newTestStateMachine(t, jobs, defaultTestEndpoint())
	wc.IsAuthorized.Store(true)
	wc.IsSubscribed.Store(true)
	bans.failures[wc.RemoteEndpoint.IP] = 2
	out := &fakeOutbound{}

	req := &Request{ID: 6, Method: "mining.submit", Params: []interface{}{}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.Equal(t, true, out.responses[0].Result)
	require.Len(t, bans.resetCalls, 1)
	assert.Equal(t, wc.RemoteEndpoint.IP, bans.resetCalls[0])
	assert.Equal(t, 0, bans.failures[wc.RemoteEndpoint.IP])
}

func TestStateMachine_HandleSubmit_RejectedByJobManager(t *testing.T) {
	jobs := newFakeJobManager()
	jobs.nextShareErr = NewStratumError(ErrDuplicateShare, "duplicate share")
	sm, wc, bus, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	wc.IsAuthorized.Store(true)
	wc.IsSubscribed.Store(true)
	out := &fakeOutbound{}

	req := &Request{ID: 7, Method: "mining.submit", Params: []interface{}{}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.NotNil(t, out.responses[0].Error)
	require.Len(t, bus.stats, 1)
	assert.False(t, bus.stats[0].IsValid)
	assert.Equal(t, uint64(1), wc.Stats.InvalidShares)
}

func TestStateMachine_HandleSuggestDifficulty(t *testing.T) {
	jobs := newFakeJobManager()
	endpoint := defaultTestEndpoint()
	sm, _, _, _ := newTestStateMachine(t, jobs, endpoint)
	out := &fakeOutbound{}

	req := &Request{ID: 8, Method: "mining.suggest_difficulty", Params: []interface{}{float64(64)}}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	require.Len(t, out.notifications, 1)
	assert.Equal(t, "mining.set_difficulty", out.notifications[0].Method)
}

func TestStateMachine_HandleConfigure_VersionRolling(t *testing.T) {
	jobs := newFakeJobManager()
	sm, wc, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{
		ID:     9,
		Method: "mining.configure",
		Params: []interface{}{
			[]interface{}{"version-rolling"},
			map[string]interface{}{"version-rolling.mask": "ffffffff"},
		},
	}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	result, ok := out.responses[0].Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["version-rolling"])
	assert.True(t, wc.HasVersionRolling)
}

func TestStateMachine_HandleConfigure_VersionRolling_MaskOmitted(t *testing.T) {
	jobs := newFakeJobManager()
	sm, wc, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{
		ID:     9,
		Method: "mining.configure",
		Params: []interface{}{
			[]interface{}{"version-rolling"},
			map[string]interface{}{},
		},
	}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	result, ok := out.responses[0].Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["version-rolling"], "omitting version-rolling.mask must not drop the extension")
	assert.Equal(t, "ffffffff", result["version-rolling.mask"])
	assert.True(t, wc.HasVersionRolling)
	assert.Equal(t, uint32(0xFFFFFFFF), wc.VersionRollingMask)
}

func TestStateMachine_Dispatch_UnsupportedMethod(t *testing.T) {
	jobs := newFakeJobManager()
	sm, _, _, _ := newTestStateMachine(t, jobs, defaultTestEndpoint())
	out := &fakeOutbound{}

	req := &Request{ID: 10, Method: "mining.unknown"}
	sm.Dispatch(context.Background(), req, time.Now(), out)

	require.Len(t, out.responses, 1)
	assert.NotNil(t, out.responses[0].Error)
}
