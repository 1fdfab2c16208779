package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/antipassback/internal/actuator"
	"github.com/BrandonDHaskell/antipassback/internal/apb/service"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

func newGate(t *testing.T, drv actuator.Driver, cfg service.DoorGateConfig, clk quartz.Clock, terminals ...string) (*service.DoorGate, *actuator.Manager) {
	t.Helper()
	mgr := actuator.NewManager(drv, zaptest.NewLogger(t))
	require.NoError(t, mgr.ConnectAll(context.Background(), terminals))
	g := service.NewDoorGate(mgr, cfg, clk, zaptest.NewLogger(t), metrics.New(nil))
	return g, mgr
}

func TestDoorGate_NoHandle(t *testing.T) {
	g, _ := newGate(t, actuator.NewSimDriver(), service.DoorGateConfig{
		Workers: 1, Queue: 1, OpenDuration: time.Millisecond, Timeout: time.Second,
	}, quartz.NewReal())
	defer g.Close()

	assert.False(t, g.Dispatch("t-in-1"))
}

func TestDoorGate_CyclesDoor(t *testing.T) {
	drv := actuator.NewSimDriver()
	g, _ := newGate(t, drv, service.DoorGateConfig{
		Workers: 2, Queue: 4, OpenDuration: time.Millisecond, Timeout: time.Second,
	}, quartz.NewReal(), "t-in-1")

	require.True(t, g.Dispatch("t-in-1"))
	g.Close() // waits for the queued job

	assert.Equal(t, []actuator.Command{
		{TerminalID: "t-in-1", Op: "open"},
		{TerminalID: "t-in-1", Op: "close"},
	}, drv.Commands())
	assert.False(t, g.Dispatch("t-in-1"), "closed gate refuses work")
}

func TestDoorGate_QueueFullReturnsFalse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clk := quartz.NewMock(t)
	trap := clk.Trap().NewTimer("actuator", "hold")
	defer trap.Close()

	drv := actuator.NewSimDriver()
	g, _ := newGate(t, drv, service.DoorGateConfig{
		Workers: 1, Queue: 1, OpenDuration: 5 * time.Second, Timeout: time.Minute,
	}, clk, "t-in-1")

	// The single worker takes the first job and holds the door.
	require.True(t, g.Dispatch("t-in-1"))
	call := trap.MustWait(ctx)

	// The second fills the queue, the third is dropped without blocking.
	require.True(t, g.Dispatch("t-in-1"))
	assert.False(t, g.Dispatch("t-in-1"))

	call.MustRelease(ctx)
	clk.Advance(5 * time.Second).MustWait(ctx)

	// Second job.
	trap.MustWait(ctx).MustRelease(ctx)
	clk.Advance(5 * time.Second).MustWait(ctx)

	g.Close()
	assert.Len(t, drv.Commands(), 4)
}

func TestDoorGate_ActuatorFailureIsContained(t *testing.T) {
	drv := actuator.NewSimDriver()
	g, _ := newGate(t, drv, service.DoorGateConfig{
		Workers: 1, Queue: 1, OpenDuration: time.Millisecond, Timeout: time.Second,
	}, quartz.NewReal(), "t-in-1")

	drv.Fail("t-in-1", assert.AnError)
	assert.True(t, g.Dispatch("t-in-1"), "queued even though the job will fail")
	g.Close()
	assert.Empty(t, drv.Commands())
}
