package stratum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chimera-pool/stratum-core/internal/stratum/vardiff"
)

func newTestDifficultyController(nh NicehashService) (*DifficultyController, *vardiff.Manager) {
	cfg := vardiff.DefaultConfig()
	cfg.MinDifficulty = 1
	cfg.MaxDifficulty = 1000000
	vd := vardiff.NewManager(cfg)
	return NewDifficultyController(vd, nh, "testcoin", "sha256", 0xFFFFFFFF), vd
}

func TestDifficultyController_ApplyNicehashHint_Overrides(t *testing.T) {
	dc, vd := newTestDifficultyController(&fakeNicehashService{diff: 512, ok: true})
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)
	vd.SetDifficulty(wc.ConnID, 16)

	err := dc.ApplyNicehashHint(context.Background(), wc)
	assert.NoError(t, err)
	assert.False(t, wc.VarDiff.Enabled)

	newDiff, promoted := wc.ApplyPendingDifficulty()
	assert.True(t, promoted)
	assert.Equal(t, 512.0, newDiff)
}

func TestDifficultyController_ApplyNicehashHint_NoOverride(t *testing.T) {
	dc, _ := newTestDifficultyController(&fakeNicehashService{ok: false})
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)

	err := dc.ApplyNicehashHint(context.Background(), wc)
	assert.NoError(t, err)

	_, promoted := wc.ApplyPendingDifficulty()
	assert.False(t, promoted)
}

func TestDifficultyController_ApplyPasswordControlVars(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)

	applied := dc.ApplyPasswordControlVars(wc, "x,d=256,y")
	assert.True(t, applied)
	assert.Equal(t, 256.0, wc.Difficulty())
	assert.False(t, wc.VarDiff.Enabled)
}

func TestDifficultyController_ApplyPasswordControlVars_NoMatch(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)

	applied := dc.ApplyPasswordControlVars(wc, "nothing-here")
	assert.False(t, applied)
}

func TestDifficultyController_ApplySuggestDifficulty(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)

	assert.False(t, dc.ApplySuggestDifficulty(wc, 8, 16))
	assert.True(t, dc.ApplySuggestDifficulty(wc, 32, 16))
}

func TestDifficultyController_NegotiateVersionRollingMask(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	dc.poolMask = 0x1fffe000

	mask, ok := dc.NegotiateVersionRollingMask("ffffffff")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1fffe000), mask)

	_, ok = dc.NegotiateVersionRollingMask("not-hex")
	assert.False(t, ok)
}

func TestDifficultyController_NegotiateVersionRollingMask_MaskOmitted(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	dc.poolMask = 0x1fffe000

	mask, ok := dc.NegotiateVersionRollingMask("")
	assert.True(t, ok, "an omitted client mask must still negotiate the extension")
	assert.Equal(t, uint32(0x1fffe000), mask)
}

func TestDifficultyController_RecordShareAndRetarget_DisabledVardiffNoop(t *testing.T) {
	dc, _ := newTestDifficultyController(nil)
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 16)
	wc.VarDiff.Enabled = false

	dc.RecordShareAndRetarget(wc, 5)
	_, promoted := wc.ApplyPendingDifficulty()
	assert.False(t, promoted)
}

func TestDifficultyController_EnableVardiff(t *testing.T) {
	dc, vd := newTestDifficultyController(nil)
	wc := NewWorkerContext("c1", Endpoint{}, Endpoint{}, 32)

	dc.EnableVardiff(wc)
	assert.True(t, wc.VarDiff.Enabled)
	assert.Equal(t, 32.0, vd.GetDifficulty(wc.ConnID))
}
