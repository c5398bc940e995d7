package sensor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	strapA = Handle{ID: "AA:01", Name: "Polar H10 A"}
	strapB = Handle{ID: "BB:02", Name: "Polar H10 B"}
)

func accept(BorrowRequest) bool  { return true }
func decline(BorrowRequest) bool { return false }

func TestNewManager_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, newFakeBindings(), testLogger()) })
	assert.Panics(t, func() { NewManager(newFakePlatform(), nil, testLogger()) })
	assert.Panics(t, func() { NewManager(newFakePlatform(), newFakeBindings(), nil) })
}

func TestTrack(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", "", ""))

	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.Equal(t, StateUnbound, f.manager.State("bruno"))

	err := f.manager.Track("bruno", strapA.ID, strapA.Name)
	assert.ErrorIs(t, err, ErrSensorConflict)
	assert.Equal(t, map[string]string{strapA.ID: "ana"}, f.manager.Bindings())
}

func TestPair_BindsAndConnects(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", "", ""))
	f.platform.queueDiscover(strapA)

	h, err := f.manager.Pair(context.Background(), "ana", nil)
	require.NoError(t, err)
	assert.Equal(t, strapA, h)
	assert.Equal(t, StateConnected, f.manager.State("ana"))
	assert.Equal(t, strapA.ID, f.bindings.get("ana"))

	connected, ok := f.sink.lastChange("ana")
	require.True(t, ok)
	assert.True(t, connected)

	f.platform.emit(strapA.ID, EncodeHeartRate(142))
	require.Equal(t, 1, f.sink.sampleCount())
	assert.Equal(t, sample{"ana", 142}, f.sink.samples[0])
}

func TestPair_DiscoveryCancelledChangesNothing(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))

	_, err := f.manager.Pair(context.Background(), "ana", nil)
	assert.ErrorIs(t, err, ErrDiscoveryCancelled)
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.Zero(t, f.bindings.calls)
}

func TestPair_UnknownParticipant(t *testing.T) {
	f := newFixture()
	_, err := f.manager.Pair(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestPair_BorrowDeclined(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", "", ""))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	f.platform.queueDiscover(strapA)
	_, err := f.manager.Pair(ctx, "bruno", decline)
	assert.ErrorIs(t, err, ErrBorrowDeclined)

	assert.Equal(t, map[string]string{strapA.ID: "ana"}, f.manager.Bindings())
	assert.Equal(t, StateConnected, f.manager.State("ana"))
	assert.Equal(t, StateUnbound, f.manager.State("bruno"))
	assert.Zero(t, f.bindings.calls)
}

func TestPair_NilConfirmDeclinesBorrow(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", "", ""))

	f.platform.queueDiscover(strapA)
	_, err := f.manager.Pair(context.Background(), "bruno", nil)
	assert.ErrorIs(t, err, ErrBorrowDeclined)
}

func TestPair_BorrowAccepted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", "", ""))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	var seen BorrowRequest
	f.platform.queueDiscover(strapA)
	_, err := f.manager.Pair(ctx, "bruno", func(req BorrowRequest) bool {
		seen = req
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, BorrowRequest{Sensor: strapA, From: "ana", To: "bruno"}, seen)
	assert.Equal(t, map[string]string{strapA.ID: "bruno"}, f.manager.Bindings())
	assert.Equal(t, StateUnbound, f.manager.State("ana"))
	assert.Equal(t, StateConnected, f.manager.State("bruno"))
	assert.Equal(t, strapA.ID, f.bindings.get("bruno"))
	assert.Empty(t, f.bindings.get("ana"))

	anaConnected, _ := f.sink.lastChange("ana")
	assert.False(t, anaConnected)
	assert.Equal(t, 1, f.platform.activeListeners(strapA.ID))

	f.platform.emit(strapA.ID, EncodeHeartRate(120))
	require.Equal(t, 1, f.sink.sampleCount())
	assert.Equal(t, "bruno", f.sink.samples[0].participantID)
}

func TestPair_BorrowNewBindFailsKeepsOldOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", "", ""))
	f.bindings.saved["ana"] = binding{strapA.ID, strapA.Name}
	f.bindings.fail = func(pid, _ string) error {
		if pid == "bruno" {
			return errStore
		}
		return nil
	}

	f.platform.queueDiscover(strapA)
	_, err := f.manager.Pair(ctx, "bruno", accept)
	assert.ErrorIs(t, err, errStore)

	assert.Equal(t, map[string]string{strapA.ID: "ana"}, f.manager.Bindings())
	assert.Equal(t, strapA.ID, f.bindings.get("ana"))
	assert.Empty(t, f.bindings.get("bruno"))
}

func TestPair_BorrowReleaseFailsRevertsNewBind(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", strapB.ID, strapB.Name))
	f.bindings.saved["ana"] = binding{strapA.ID, strapA.Name}
	f.bindings.saved["bruno"] = binding{strapB.ID, strapB.Name}
	f.bindings.fail = func(pid, sensorID string) error {
		if pid == "ana" && sensorID == "" {
			return errStore
		}
		return nil
	}

	f.platform.queueDiscover(strapA)
	_, err := f.manager.Pair(ctx, "bruno", accept)
	assert.ErrorIs(t, err, errStore)

	assert.Equal(t, map[string]string{strapA.ID: "ana", strapB.ID: "bruno"}, f.manager.Bindings())
	assert.Equal(t, strapA.ID, f.bindings.get("ana"))
	assert.Equal(t, strapB.ID, f.bindings.get("bruno"), "new bind reverted")
}

func TestPair_SequenceKeepsBindingInjective(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	people := []string{"ana", "bruno", "carla", "davi"}
	for _, p := range people {
		require.NoError(t, f.manager.Track(p, "", ""))
	}
	straps := []Handle{strapA, strapB, {ID: "CC:03"}}

	for i := 0; i < 24; i++ {
		who := people[(i*7)%len(people)]
		strap := straps[(i*5)%len(straps)]
		f.platform.queueDiscover(strap)
		_, err := f.manager.Pair(ctx, who, func(BorrowRequest) bool { return i%3 != 0 })
		if err != nil {
			require.ErrorIs(t, err, ErrBorrowDeclined)
		}

		owners := map[string]string{}
		for _, p := range people {
			sensorID, _, ok := f.manager.Binding(p)
			if !ok {
				continue
			}
			prev, dup := owners[sensorID]
			require.False(t, dup, "step %d: %s bound to %s and %s", i, sensorID, prev, p)
			owners[sensorID] = p
		}
		require.Equal(t, owners, f.manager.Bindings(), "step %d", i)
		for sensorID := range owners {
			require.LessOrEqual(t, f.platform.activeListeners(sensorID), 1, "step %d", i)
		}
	}
}

func TestConnect_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("bruno", "", ""))

	assert.ErrorIs(t, f.manager.Connect(ctx, "ghost"), ErrUnknownParticipant)
	assert.ErrorIs(t, f.manager.Connect(ctx, "bruno"), ErrNotBound)
}

func TestConnect_FailureRevertsToDisconnected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	f.platform.setConnectErr(strapA.ID, fmt.Errorf("gatt timeout"))

	err := f.manager.Connect(ctx, "ana")
	assert.ErrorContains(t, err, "gatt timeout")
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.False(t, f.manager.NeedsReauthorization("ana"))
}

func TestConnect_SubscribeFailureReverts(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	f.platform.subscribeErr = fmt.Errorf("notify refused")

	err := f.manager.Connect(context.Background(), "ana")
	assert.ErrorContains(t, err, "notify refused")
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.Len(t, f.platform.disconnected, 1)
}

func TestConnect_AlreadyConnectedIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))
	require.NoError(t, f.manager.Connect(ctx, "ana"))
	assert.Equal(t, 1, f.platform.connectCount())
}

func TestLinkLoss_KeepsBinding(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	f.platform.loseLink(strapA.ID)

	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	sensorID, _, ok := f.manager.Binding("ana")
	assert.True(t, ok)
	assert.Equal(t, strapA.ID, sensorID)
	connected, _ := f.sink.lastChange("ana")
	assert.False(t, connected)
}

func TestReconnect_SingleListener(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	for i := 0; i < 3; i++ {
		f.platform.loseLink(strapA.ID)
		report := f.manager.Sweep(ctx, []string{"ana"})
		require.Equal(t, []string{"ana"}, report.Connected)
		require.NoError(t, f.manager.Disconnect("ana"))
		require.NoError(t, f.manager.Connect(ctx, "ana"))
	}

	assert.Equal(t, 1, f.platform.activeListeners(strapA.ID))
	f.platform.emit(strapA.ID, EncodeHeartRate(100))
	assert.Equal(t, 1, f.sink.sampleCount())
}

func TestStaleLinkCallbacksIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))
	old := f.platform.latestLink(strapA.ID)

	require.NoError(t, f.manager.Disconnect("ana"))
	require.NoError(t, f.manager.Connect(ctx, "ana"))
	require.NotSame(t, old, f.platform.latestLink(strapA.ID))

	f.platform.emitOn(old, EncodeHeartRate(150))
	assert.Zero(t, f.sink.sampleCount())

	f.platform.mu.Lock()
	oldLoss := f.platform.lossCbs[old]
	f.platform.mu.Unlock()
	oldLoss()
	assert.Equal(t, StateConnected, f.manager.State("ana"))
}

func TestDecodeFailureKeepsConnection(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(context.Background(), "ana"))

	f.platform.emit(strapA.ID, []byte{0x01, 0x50})
	f.platform.emit(strapA.ID, nil)

	assert.Zero(t, f.sink.sampleCount())
	assert.Equal(t, StateConnected, f.manager.State("ana"))
	connected, _ := f.sink.lastChange("ana")
	assert.True(t, connected)
}

func TestSweep_ContinuesAfterFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", "S1", ""))
	require.NoError(t, f.manager.Track("bruno", "S2", ""))
	require.NoError(t, f.manager.Track("carla", "S3", ""))
	require.NoError(t, f.manager.Track("davi", "", ""))
	f.platform.setConnectErr("S2", fmt.Errorf("out of range"))

	report := f.manager.Sweep(ctx, []string{"ana", "bruno", "carla", "davi"})

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, []string{"ana", "carla"}, report.Connected)
	require.Contains(t, report.Failed, "bruno")
	assert.ErrorContains(t, report.Failed["bruno"], "out of range")
	assert.Equal(t, StateDisconnected, f.manager.State("bruno"))

	again := f.manager.Sweep(ctx, []string{"ana", "bruno", "carla"})
	assert.Equal(t, 1, again.Attempted, "connected participants are left alone")
}

func TestSweep_SkipsUntilReconnectAll(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	f.platform.setConnectErr(strapA.ID, ErrReauthorizationRequired)

	report := f.manager.Sweep(ctx, []string{"ana"})
	require.ErrorIs(t, report.Failed["ana"], ErrReauthorizationRequired)
	assert.True(t, f.manager.NeedsReauthorization("ana"))

	connects := f.platform.connectCount()
	report = f.manager.Sweep(ctx, []string{"ana"})
	assert.Equal(t, []string{"ana"}, report.Skipped)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, connects, f.platform.connectCount())

	f.platform.setConnectErr(strapA.ID, nil)
	f.platform.queueDiscover(strapA)
	rr := f.manager.ReconnectAll(ctx, []string{"ana"})
	assert.Equal(t, []string{"ana"}, rr.Connected)
	assert.Empty(t, rr.Failed)
	assert.Equal(t, StateConnected, f.manager.State("ana"))
	assert.False(t, f.manager.NeedsReauthorization("ana"))
}

func TestReconnectAll_WrongSensor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Track("bruno", strapB.ID, strapB.Name))
	f.platform.queueDiscover(strapB, strapB)

	rr := f.manager.ReconnectAll(ctx, []string{"ana", "bruno"})
	assert.ErrorIs(t, rr.Failed["ana"], ErrWrongSensor)
	assert.Equal(t, []string{"bruno"}, rr.Connected)
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
}

func TestDisconnect_KeepsBinding(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	require.NoError(t, f.manager.Disconnect("ana"))
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.Equal(t, map[string]string{strapA.ID: "ana"}, f.manager.Bindings())
	assert.Zero(t, f.platform.activeListeners(strapA.ID))
}

func TestUnbind(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))
	require.NoError(t, f.manager.Connect(ctx, "ana"))

	f.bindings.fail = func(string, string) error { return errStore }
	assert.ErrorIs(t, f.manager.Unbind(ctx, "ana"), errStore)
	assert.Equal(t, StateConnected, f.manager.State("ana"))

	f.bindings.fail = nil
	require.NoError(t, f.manager.Unbind(ctx, "ana"))
	assert.Equal(t, StateUnbound, f.manager.State("ana"))
	assert.Empty(t, f.manager.Bindings())
	assert.ErrorIs(t, f.manager.Connect(ctx, "ana"), ErrNotBound)
}

func TestListenToConnections(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.manager.Track("ana", strapA.ID, strapA.Name))

	var mu sync.Mutex
	var states []State
	cancel := f.manager.ListenToConnections(func(ev ConnectionEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, f.manager.Connect(context.Background(), "ana"))
	f.platform.loseLink(strapA.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestShutdown_ClosesLinks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.manager.Track("ana", "S1", ""))
	require.NoError(t, f.manager.Track("bruno", "S2", ""))
	require.NoError(t, f.manager.Connect(ctx, "ana"))
	require.NoError(t, f.manager.Connect(ctx, "bruno"))

	f.manager.Shutdown()
	assert.Len(t, f.platform.disconnected, 2)
	assert.Equal(t, StateDisconnected, f.manager.State("ana"))
	assert.Zero(t, f.platform.activeListeners("S1"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Connected", StateConnected.String())
	assert.Equal(t, "Unknown", State(42).String())
}
