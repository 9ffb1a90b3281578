package stratum

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobBroadcaster_WaitForFirstJob(t *testing.T) {
	jobs := newFakeJobManager()
	cm := NewConnectionManager(DefaultConnectionManagerConfig())
	jb := NewJobBroadcaster(jobs, cm, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jb.Run(ctx)
	defer jb.Stop()

	jobs.jobsCh <- []interface{}{"job-1"}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, jb.WaitForFirstJob(waitCtx))
	assert.Equal(t, []interface{}{"job-1"}, jb.CurrentJobParams())
}

func TestJobBroadcaster_WaitForFirstJob_TimesOut(t *testing.T) {
	jobs := newFakeJobManager()
	cm := NewConnectionManager(DefaultConnectionManagerConfig())
	jb := NewJobBroadcaster(jobs, cm, logrus.NewEntry(logrus.New()))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	err := jb.WaitForFirstJob(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobBroadcaster_BroadcastPromotesAndNotifies(t *testing.T) {
	jobs := newFakeJobManager()
	cm := NewConnectionManager(DefaultConnectionManagerConfig())
	jb := NewJobBroadcaster(jobs, cm, logrus.NewEntry(logrus.New()))

	mc, clientSide := newTestManagedConnection(t, "conn-1")
	go mc.WriteLoop()
	mc.WC.IsSubscribed.Store(true)
	mc.WC.SetDifficulty(8)
	require.NoError(t, cm.AddConnection(mc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jb.Run(ctx)
	defer jb.Stop()

	jobs.jobsCh <- []interface{}{"job-1"}

	reader := bufio.NewReader(clientSide)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))

	diffLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, diffLine, "mining.set_difficulty")

	notifyLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, notifyLine, "mining.notify")
}

func TestJobBroadcaster_SkipsUnsubscribedConnections(t *testing.T) {
	jobs := newFakeJobManager()
	cm := NewConnectionManager(DefaultConnectionManagerConfig())
	jb := NewJobBroadcaster(jobs, cm, logrus.NewEntry(logrus.New()))

	mc, _ := newTestManagedConnection(t, "conn-1")
	go mc.WriteLoop()
	require.NoError(t, cm.AddConnection(mc))

	assert.NotPanics(t, func() {
		jb.broadcast([]interface{}{"job-1"})
	})
}
