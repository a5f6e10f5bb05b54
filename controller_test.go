package nvme

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jwdevantier/go-nvme/internal/uapi"
)

func TestOpenAdministrativeController(t *testing.T) {
	c, stop, err := NewMockController(0x010803, DefaultOptions())
	require.NoError(t, err)
	defer stop()
	defer c.Close()

	info := c.Info()
	require.True(t, info.Administrative)
	require.Equal(t, uint16(0), info.NSQA)
}

func TestCreateIOQueuePairRejectedOnAdministrativeController(t *testing.T) {
	c, stop, err := NewMockController(0x010803, DefaultOptions())
	require.NoError(t, err)
	defer stop()
	defer c.Close()

	_, err = c.CreateIOQueuePair(1, 4)
	require.Error(t, err)
}

func TestOneshotCompletesAndReportsStatus(t *testing.T) {
	opts := DefaultOptions()
	opts.AdminQueueSize = 4
	c, stop, err := NewMockController(0x010803, opts)
	require.NoError(t, err)
	defer stop()
	defer c.Close()

	adminSQ := c.inner.AdminSQ()
	go func() {
		time.Sleep(time.Millisecond)
		// the first request acquired for any command on a freshly
		// configured 4-entry admin queue is CID 2.
		cqe := uapi.CQE{CID: 2, Status: 0x1}
		copy(adminSQ.CQ.Raw()[adminSQ.CQ.Head*16:], uapi.MarshalCQE(&cqe))
	}()

	cmd := Command{}
	cmd.SetOpcode(uapi.AdminOpIdentify)
	var completion Completion
	err = c.Oneshot(&cmd, nil, &completion)
	require.NoError(t, err)
	require.EqualValues(t, 2, completion.CID)
	require.EqualValues(t, 0, completion.StatusCode())

	snap := c.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.CommandsExecuted)
	require.EqualValues(t, 0, snap.CommandErrors)
}

func TestAENDispatchDuringOneshot(t *testing.T) {
	opts := DefaultOptions()
	opts.AdminQueueSize = 4
	c, stop, err := NewMockController(0x010803, opts)
	require.NoError(t, err)
	defer stop()
	defer c.Close()

	delivered := make(chan struct{}, 1)
	require.NoError(t, c.AENEnable(func(*Completion) {
		delivered <- struct{}{}
	}))

	adminSQ := c.inner.AdminSQ()
	go func() {
		// AENEnable above acquired CID 2 (the highest free slot on a
		// fresh 4-entry admin queue); the oneshot command below
		// acquires the next-highest, CID 1.
		time.Sleep(time.Millisecond)
		aen := uapi.CQE{CID: 2 | uapi.CIDAER, Status: 0x1}
		copy(adminSQ.CQ.Raw()[adminSQ.CQ.Head*16:], uapi.MarshalCQE(&aen))

		time.Sleep(time.Millisecond)
		own := uapi.CQE{CID: 1, Status: 0x1}
		copy(adminSQ.CQ.Raw()[adminSQ.CQ.Head*16:], uapi.MarshalCQE(&own))
	}()

	cmd := Command{}
	cmd.SetOpcode(uapi.AdminOpIdentify)
	require.NoError(t, c.Oneshot(&cmd, nil, nil))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("AEN handler was never invoked")
	}

	snap := c.Metrics().Snapshot()
	require.EqualValues(t, 1, snap.AENDispatched)
}
