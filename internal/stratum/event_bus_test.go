package stratum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeShareRecorder struct {
	published []ShareStatistic
}

func (f *fakeShareRecorder) Publish(stat ShareStatistic) {
	f.published = append(f.published, stat)
}

type fakeShareTimingSink struct {
	calls int
	last  time.Duration
	ok    bool
}

func (f *fakeShareTimingSink) RecordShareSubmit(elapsed time.Duration, success bool) {
	f.calls++
	f.last = elapsed
	f.ok = success
}

func TestEventBus_PublishShareStatistic(t *testing.T) {
	recorder := &fakeShareRecorder{}
	bus := NewEventBus(recorder, nil)

	stat := ShareStatistic{PoolID: "pool1", Miner: "bc1q..."}
	bus.PublishShareStatistic(stat)

	assert.Len(t, recorder.published, 1)
	assert.Equal(t, stat, recorder.published[0])
}

func TestEventBus_PublishShareTiming(t *testing.T) {
	sink := &fakeShareTimingSink{}
	bus := NewEventBus(nil, sink)

	bus.PublishShareTiming(5*time.Millisecond, true)

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 5*time.Millisecond, sink.last)
	assert.True(t, sink.ok)
}

func TestEventBus_NilSinksDoNotPanic(t *testing.T) {
	bus := NewEventBus(nil, nil)
	assert.NotPanics(t, func() {
		bus.PublishShareStatistic(ShareStatistic{})
		bus.PublishShareTiming(time.Second, false)
	})
}
