package stratum

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestBanManager(maxInvalidShares int) *BanManager {
	// Points at a loopback port nothing listens on; IsBanned must degrade
	// to "not banned" rather than block or panic when Redis is down.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	log := logrus.NewEntry(logrus.New())
	return NewBanManager(client, "test:", maxInvalidShares, log)
}

func TestBanManager_IsBanned_DegradesOnRedisError(t *testing.T) {
	bm := newTestBanManager(3)
	assert.False(t, bm.IsBanned("1.2.3.4"))
}

func TestBanManager_RecordInvalidShare_CrossesThreshold(t *testing.T) {
	bm := newTestBanManager(3)

	assert.False(t, bm.RecordInvalidShare("1.2.3.4"))
	assert.False(t, bm.RecordInvalidShare("1.2.3.4"))
	assert.True(t, bm.RecordInvalidShare("1.2.3.4"))

	// counter reset after crossing
	assert.False(t, bm.RecordInvalidShare("1.2.3.4"))
}

func TestBanManager_ResetFailures(t *testing.T) {
	bm := newTestBanManager(2)

	bm.RecordInvalidShare("1.2.3.4")
	bm.ResetFailures("1.2.3.4")

	assert.False(t, bm.RecordInvalidShare("1.2.3.4"))
}

func TestBanManager_BanKeyPrefix(t *testing.T) {
	bm := newTestBanManager(3)
	assert.Equal(t, "test:ban:1.2.3.4", bm.banKey("1.2.3.4"))
}
