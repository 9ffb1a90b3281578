package stratum

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EndpointConfig is the per-listening-port configuration consulted by the
// state machine, per spec.md §6 "Configuration options recognized".
type EndpointConfig struct {
	BaseDifficulty         float64
	MaxShareAge            time.Duration
	BanOnLoginFailure      bool
	LoginFailureBanTimeout time.Duration
	CoinName               string
	Algorithm              string
}

// EventBus is the in-process publish point the state machine uses to hand
// off accepted/rejected shares and telemetry to their asynchronous
// consumers (components G and H), per spec.md §2's "Data flow".
type EventBus interface {
	PublishShareStatistic(stat ShareStatistic)
	PublishShareTiming(elapsed time.Duration, success bool)
}

// BanChecker is the subset of BanManager the state machine needs at
// dispatch and authorize time.
type BanChecker interface {
	IsBanned(ip string) bool
	Ban(ip string, d time.Duration)
	RecordInvalidShare(ip string) (shouldBan bool)
	ResetFailures(ip string)
}

// PoolClock lets the state machine record a pool-wide "last block found"
// timestamp without taking a dependency on the payout/stats subsystem.
type PoolClock interface {
	RecordBlockFound(t time.Time)
}

// StateMachine implements spec.md §4.D: the per-connection request
// dispatcher. Exactly one StateMachine exists per TCP connection; its
// methods are invoked serially by the connection's read loop (see
// spec.md §5), so it does not need to lock WorkerContext itself.
//
// Grounded on the teacher's PoolCoordinator.handleSubscribe /
// handleAuthorize / handleSubmit (internal/stratum/pool_coordinator.go,
// since folded in here) and cmd/stratum/main.go's StratumServer handlers,
// generalized to the exact ordering, error codes, and two-phase
// difficulty promotion spec.md requires.
type StateMachine struct {
	wc       *WorkerContext
	endpoint EndpointConfig

	jobs       JobManager
	addresses  *AddressResolver
	difficulty *DifficultyController
	bans       BanChecker
	bus        EventBus
	clock      PoolClock

	currentJobParams func() []interface{}

	log *logrus.Entry
}

func NewStateMachine(
	wc *WorkerContext,
	endpoint EndpointConfig,
	jobs JobManager,
	addresses *AddressResolver,
	difficulty *DifficultyController,
	bans BanChecker,
	bus EventBus,
	clock PoolClock,
	currentJobParams func() []interface{},
	log *logrus.Entry,
) *StateMachine {
	return &StateMachine{
		wc:               wc,
		endpoint:         endpoint,
		jobs:             jobs,
		addresses:        addresses,
		difficulty:       difficulty,
		bans:             bans,
		bus:              bus,
		clock:            clock,
		currentJobParams: currentJobParams,
		log:              log,
	}
}

// Outbound is satisfied by whatever transport wraps the TCP socket; the
// state machine only ever needs to enqueue framed responses/notifications.
type Outbound interface {
	SendResponse(r *Response)
	SendNotification(n *Notification)
}

// Dispatch implements spec.md §4.D's request-dispatch table. requestTime
// is when the frame was read off the wire, used for stale-submit and
// telemetry timing.
func (sm *StateMachine) Dispatch(ctx context.Context, req *Request, requestTime time.Time, out Outbound) {
	if !req.HasID() {
		out.SendResponse(NewError(req.ID, ErrMissingRequestID()))
		return
	}

	switch req.Method {
	case "mining.subscribe":
		sm.handleSubscribe(ctx, req, out)
	case "mining.authorize":
		sm.handleAuthorize(ctx, req, out)
	case "mining.submit":
		sm.handleSubmit(ctx, req, requestTime, out)
	case "mining.suggest_difficulty":
		sm.handleSuggestDifficulty(req, out)
	case "mining.configure":
		sm.handleConfigure(req, out)
	case "mining.extranonce.subscribe":
		out.SendResponse(NewResult(req.ID, true))
	case "mining.get_transactions", "mining.multi_version":
		// Silently ignored, preserving the teacher-observed (and
		// spec-preserved) behavior: no response id is returned even
		// though some clients may hang waiting on these. spec.md §9.
	default:
		out.SendResponse(NewError(req.ID, ErrUnsupportedRequest()))
	}
}

// 4.D.1 Subscribe
func (sm *StateMachine) handleSubscribe(ctx context.Context, req *Request, out Outbound) {
	if len(req.Params) > 0 {
		if ua, ok := req.Params[0].(string); ok {
			sm.wc.UserAgent = ua
		}
	}

	extranonce1, extranonce2Size, err := sm.jobs.GetSubscriberData(sm.wc.ConnID)
	if err != nil {
		out.SendResponse(NewError(req.ID, NewStratumError(ErrOther, err.Error())))
		return
	}

	out.SendResponse(NewSubscribeResult(req.ID, sm.wc.ConnID, extranonce1, extranonce2Size))
	sm.wc.IsSubscribed.Store(true)

	sm.difficulty.EnableVardiff(sm.wc)
	if err := sm.difficulty.ApplyNicehashHint(ctx, sm.wc); err != nil {
		sm.log.WithError(err).Warn("nicehash hint lookup failed")
	}

	diff, _ := sm.wc.ApplyPendingDifficulty()
	out.SendNotification(NewDifficultyNotification(diff))
	out.SendNotification(NewNotifyNotification(sm.currentJobParams()))
}

// 4.D.2 Authorize
func (sm *StateMachine) handleAuthorize(ctx context.Context, req *Request, out Outbound) {
	if len(req.Params) < 2 {
		out.SendResponse(NewError(req.ID, ErrUnauthorized()))
		return
	}
	workerValue, _ := req.Params[0].(string)
	password, _ := req.Params[1].(string)

	username, workerSuffix := splitWorkerName(workerValue)

	var miner, worker string
	var authorized bool

	if isAddr, err := sm.jobs.ValidateAddress(ctx, username); err == nil && isAddr {
		// Legacy path: username is itself a validated daemon address.
		miner = username
		worker = workerSuffix
		authorized = true
	} else {
		address, found, rerr := sm.addresses.Resolve(ctx, username, password)
		if rerr != nil || !found {
			authorized = false
		} else {
			ok, verr := sm.jobs.ValidateAddress(ctx, address)
			authorized = verr == nil && ok
			miner = address
			worker = workerValue
		}
	}

	if !authorized {
		sm.failAuthorize(req, out)
		return
	}

	sm.wc.Miner = miner
	sm.wc.Worker = worker
	sm.wc.IsAuthorized.Store(true)

	out.SendResponse(NewResult(req.ID, true))

	if sm.difficulty.ApplyPasswordControlVars(sm.wc, password) {
		diff, _ := sm.wc.ApplyPendingDifficulty()
		out.SendNotification(NewDifficultyNotification(diff))
	}
}

func (sm *StateMachine) failAuthorize(req *Request, out Outbound) {
	out.SendResponse(NewError(req.ID, ErrUnauthorized()))
	if sm.endpoint.BanOnLoginFailure && sm.bans != nil {
		sm.bans.Ban(sm.wc.RemoteEndpoint.IP, sm.endpoint.LoginFailureBanTimeout)
	}
}

func splitWorkerName(workerValue string) (username, suffix string) {
	idx := strings.IndexByte(workerValue, '.')
	if idx < 0 {
		return workerValue, ""
	}
	return workerValue[:idx], workerValue[idx+1:]
}

// 4.D.3 Submit
func (sm *StateMachine) handleSubmit(ctx context.Context, req *Request, requestTime time.Time, out Outbound) {
	if time.Since(requestTime) > sm.endpoint.MaxShareAge {
		// Stale: dropped silently, no response, no event. spec.md §4.D.3/§7.
		sm.log.WithField("conn", sm.wc.ConnID).Warn("dropped stale share submission")
		return
	}

	sm.wc.TouchActivity()

	if !sm.wc.IsAuthorized.Load() {
		out.SendResponse(NewError(req.ID, ErrUnauthorized()))
		return
	}
	if !sm.wc.IsSubscribed.Load() {
		out.SendResponse(NewError(req.ID, ErrNotSubscribedYet()))
		return
	}

	share, err := sm.jobs.SubmitShare(ctx, sm.wc.ConnID, req.Params)
	elapsed := time.Since(requestTime)

	if err != nil {
		sm.bus.PublishShareTiming(elapsed, false)
		sm.wc.RecordInvalidShare()
		sm.bus.PublishShareStatistic(sm.buildRejectedStatistic())

		if sm.bans != nil && sm.bans.RecordInvalidShare(sm.wc.RemoteEndpoint.IP) {
			sm.bans.Ban(sm.wc.RemoteEndpoint.IP, sm.endpoint.LoginFailureBanTimeout)
		}

		if serr, ok := err.(*StratumError); ok {
			out.SendResponse(NewError(req.ID, serr))
		} else {
			out.SendResponse(NewError(req.ID, NewStratumError(ErrOther, err.Error())))
		}
		return
	}

	out.SendResponse(NewResult(req.ID, true))
	sm.bus.PublishShareTiming(elapsed, true)

	if share.IsBlockCandidate && sm.clock != nil {
		sm.clock.RecordBlockFound(time.Now())
	}
	sm.wc.RecordValidShare()
	sm.bus.PublishShareStatistic(sm.buildAcceptedStatistic(share))

	if sm.bans != nil {
		sm.bans.ResetFailures(sm.wc.RemoteEndpoint.IP)
	}

	sm.difficulty.RecordShareAndRetarget(sm.wc, elapsed.Seconds())
}

func (sm *StateMachine) buildAcceptedStatistic(share *Share) ShareStatistic {
	return ShareStatistic{
		PoolID:            share.PoolID,
		BlockHeight:       share.BlockHeight,
		Difficulty:        share.Difficulty,
		NetworkDifficulty: share.NetworkDifficulty,
		Miner:             sm.wc.Miner,
		Worker:            sm.wc.Worker,
		Device:            sm.wc.WorkerSuffix(),
		UserAgent:         sm.wc.UserAgent,
		IPAddress:         sm.wc.RemoteEndpoint.IP,
		Source:            share.Source,
		Created:           share.Created,
		IsBlockCandidate:  share.IsBlockCandidate,
		IsValid:           true,
	}
}

// buildRejectedStatistic is populated from the connection context rather
// than a Share, per spec.md §3's note on rejected shares.
func (sm *StateMachine) buildRejectedStatistic() ShareStatistic {
	return ShareStatistic{
		Miner:     sm.wc.Miner,
		Worker:    sm.wc.Worker,
		Device:    sm.wc.WorkerSuffix(),
		UserAgent: sm.wc.UserAgent,
		IPAddress: sm.wc.RemoteEndpoint.IP,
		Created:   time.Now(),
		IsValid:   false,
	}
}

// 4.D.4 SuggestDifficulty
func (sm *StateMachine) handleSuggestDifficulty(req *Request, out Outbound) {
	out.SendResponse(NewResult(req.ID, true))

	if len(req.Params) == 0 {
		return
	}
	requested, ok := toFloat(req.Params[0])
	if !ok {
		sm.log.WithField("conn", sm.wc.ConnID).Warn("suggest_difficulty: unparseable value")
		return
	}

	if sm.difficulty.ApplySuggestDifficulty(sm.wc, requested, sm.endpoint.BaseDifficulty) {
		diff, promoted := sm.wc.ApplyPendingDifficulty()
		if promoted {
			out.SendNotification(NewDifficultyNotification(diff))
		}
	}
}

// 4.D.5 Configure
func (sm *StateMachine) handleConfigure(req *Request, out Outbound) {
	result := map[string]interface{}{}

	if len(req.Params) < 2 {
		out.SendResponse(NewResult(req.ID, result))
		return
	}
	extensions, _ := req.Params[0].([]interface{})
	params, _ := req.Params[1].(map[string]interface{})

	for _, e := range extensions {
		ext, _ := e.(string)
		switch ext {
		case "version-rolling":
			clientMaskHex, _ := params["version-rolling.mask"].(string)
			mask, ok := sm.difficulty.NegotiateVersionRollingMask(clientMaskHex)
			if !ok {
				continue
			}
			sm.wc.VersionRollingMask = mask
			sm.wc.HasVersionRolling = true
			result["version-rolling"] = true
			result["version-rolling.mask"] = hex8(mask)
		case "minimum-difficulty":
			requested, ok := toFloat(params["minimum-difficulty.value"])
			if !ok {
				continue
			}
			if sm.difficulty.ApplyMinimumDifficultyExtension(sm.wc, requested, sm.endpoint.BaseDifficulty) {
				result["minimum-difficulty"] = true
			}
		}
	}

	out.SendResponse(NewResult(req.ID, result))
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func hex8(mask uint32) string {
	s := strconv.FormatUint(uint64(mask), 16)
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}
