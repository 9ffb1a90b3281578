package stratum

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/chimera-pool/stratum-core/internal/stratum/vardiff"
)

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// PasswordControlVarSeparator is the reserved character password strings
// are tokenized on to find control-vars such as "d=1024", per spec.md §6.
const PasswordControlVarSeparator = ","

// DifficultyController implements spec.md §4.C: it resolves the three
// difficulty sources (NiceHash static hint, password control-vars, client
// suggest-diff/configure extensions) against a connection's WorkerContext
// and delegates ongoing variable-difficulty retargeting to the shared
// vardiff.Manager (near-verbatim from the teacher's
// internal/stratum/vardiff package).
type DifficultyController struct {
	vardiff    *vardiff.Manager
	nicehash   NicehashService
	coinName   string
	algorithm  string
	poolMask   uint32
}

func NewDifficultyController(vdManager *vardiff.Manager, nicehash NicehashService, coinName, algorithm string, versionRollingPoolMask uint32) *DifficultyController {
	return &DifficultyController{
		vardiff:   vdManager,
		nicehash:  nicehash,
		coinName:  coinName,
		algorithm: algorithm,
		poolMask:  versionRollingPoolMask,
	}
}

// ApplyNicehashHint implements spec.md §4.C.1, consulted at subscribe
// time. If NiceHash reports a static minimum, vardiff is disabled for the
// connection and the difficulty is set (pending).
func (dc *DifficultyController) ApplyNicehashHint(ctx context.Context, wc *WorkerContext) error {
	if dc.nicehash == nil {
		return nil
	}
	diff, ok, err := dc.nicehash.GetStaticMinDiff(ctx, wc.UserAgent, dc.coinName, dc.algorithm)
	if err != nil || !ok {
		return err
	}
	wc.VarDiff.Enabled = false
	dc.vardiff.RemoveMiner(wc.ConnID)
	wc.SetDifficulty(diff)
	return nil
}

// ApplyPasswordControlVars implements spec.md §4.C.2, parsed at authorize
// time. Returns true if a static diff was applied (caller must then send
// set_difficulty).
func (dc *DifficultyController) ApplyPasswordControlVars(wc *WorkerContext, password string) bool {
	requested, ok := parseControlVarDiff(password)
	if !ok {
		return false
	}

	current := wc.Difficulty()
	minDiff := dc.vardiff.GetConfig().MinDifficulty

	allowed := (wc.VarDiff.Enabled && requested >= minDiff) ||
		(!wc.VarDiff.Enabled && requested > current)
	if !allowed {
		return false
	}

	wc.VarDiff.Enabled = false
	dc.vardiff.RemoveMiner(wc.ConnID)
	wc.SetDifficulty(requested)
	wc.ApplyPendingDifficulty()
	return true
}

func parseControlVarDiff(password string) (float64, bool) {
	for _, tok := range strings.Split(password, PasswordControlVarSeparator) {
		tok = strings.TrimSpace(tok)
		if !strings.HasPrefix(tok, "d=") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(tok, "d="), 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

// ApplySuggestDifficulty implements spec.md §4.D.4: accepted only if
// requested is strictly greater than the endpoint's base difficulty.
func (dc *DifficultyController) ApplySuggestDifficulty(wc *WorkerContext, requested, baseDifficulty float64) bool {
	if requested <= baseDifficulty {
		return false
	}
	wc.SetDifficulty(requested)
	return true
}

// ApplyMinimumDifficultyExtension implements the "minimum-difficulty"
// branch of spec.md §4.D.5 mining.configure: accepted only if requested
// exceeds the endpoint base, and disables vardiff.
func (dc *DifficultyController) ApplyMinimumDifficultyExtension(wc *WorkerContext, requested, baseDifficulty float64) bool {
	if requested <= baseDifficulty {
		return false
	}
	wc.VarDiff.Enabled = false
	dc.vardiff.RemoveMiner(wc.ConnID)
	wc.SetDifficulty(requested)
	return true
}

// NegotiateVersionRollingMask implements the "version-rolling" branch of
// spec.md §4.D.5: pool mask AND client mask, preserving the teacher-
// observed (and spec-preserved) quirk that the mask is honored even when
// the client never requested the extension (spec.md §9).
//
// A client may request "version-rolling" without advertising
// "version-rolling.mask" at all — the extension is still valid, it just
// doesn't constrain the pool's mask. Grounded on the example pool's
// session.go, which treats an absent client mask as "accept the pool's
// full mask" rather than rejecting the extension outright: an empty
// clientMaskHex negotiates down to dc.poolMask unchanged, not a failure.
func (dc *DifficultyController) NegotiateVersionRollingMask(clientMaskHex string) (uint32, bool) {
	if clientMaskHex == "" {
		return dc.poolMask, true
	}
	clientMask, err := strconv.ParseUint(clientMaskHex, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(clientMask) & dc.poolMask, true
}

// RecordShareAndRetarget feeds an accepted/rejected share into the shared
// vardiff module and, if a new difficulty resulted, stages it as pending
// on wc, per spec.md §4.C's delegation note: "this component only calls
// setDifficulty on its output".
func (dc *DifficultyController) RecordShareAndRetarget(wc *WorkerContext, shareTime float64) {
	if !wc.VarDiff.Enabled {
		return
	}
	before := dc.vardiff.GetDifficulty(wc.ConnID)
	dc.vardiff.RecordShare(wc.ConnID, toDuration(shareTime))
	after := dc.vardiff.GetDifficulty(wc.ConnID)
	if after != before {
		wc.SetDifficulty(after)
	}
}

// EnableVardiff registers the connection with the shared vardiff manager
// at the connection's current difficulty, setting WorkerContext.VarDiff per
// spec.md §3's invariant "varDiffState = none ⇔ vardiff disabled".
func (dc *DifficultyController) EnableVardiff(wc *WorkerContext) {
	wc.VarDiff.Enabled = true
	dc.vardiff.SetDifficulty(wc.ConnID, wc.Difficulty())
}
