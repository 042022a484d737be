package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMyIDGenerated(t *testing.T) {
	s, _ := newTestSentinel(t)
	assert.Len(t, s.MyID(), runIDLen)

	other, _ := newTestSentinel(t)
	assert.NotEqual(t, s.MyID(), other.MyID())
}

func TestTiltEnteredOnClockJump(t *testing.T) {
	s, clock := newTestSentinel(t)

	clock.Advance(100 * time.Millisecond)
	s.checkTiltCondition()
	assert.False(t, s.InTilt())

	clock.Advance(3 * s.timing.TiltTrigger)
	s.checkTiltCondition()
	assert.True(t, s.InTilt())
	assert.Equal(t, clock.current, s.tiltSince)
}

func TestTiltEnteredOnBackwardsClock(t *testing.T) {
	s, clock := newTestSentinel(t)
	s.prevTime = clock.current.Add(time.Second)
	s.checkTiltCondition()
	assert.True(t, s.InTilt())
}

func TestTiltSuppressesActing(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	markReachable(s, primary)

	// A ping outstanding far beyond down-after would normally flip SDOWN.
	primary.link.pendingSince = clock.current
	clock.Advance(primary.downAfter + time.Minute)
	s.prevTime = clock.current // keep the watchdog quiet for this call

	s.tilt = true
	s.tiltSince = clock.current

	s.handleInstance(primary)
	assert.False(t, primary.flags.Has(FlagSDown))
	assert.Equal(t, FailoverNone, primary.pri.failoverState)
}

func TestTiltExpires(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	markReachable(s, primary)

	s.tilt = true
	s.tiltSince = clock.current
	clock.Advance(s.timing.TiltPeriod + time.Second)
	s.prevTime = clock.current

	primary.link.pendingSince = clock.current.Add(-primary.downAfter - time.Minute)
	s.handleInstance(primary)

	assert.False(t, s.InTilt())
	assert.True(t, primary.flags.Has(FlagSDown))
}

func TestTickScenarioClockJump(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	markReachable(s, primary)

	s.Tick()
	require.False(t, s.InTilt())

	clock.Advance(2 * s.timing.TiltTrigger)
	s.Tick()
	assert.True(t, s.InTilt())
}

func TestDoRunsOnLoop(t *testing.T) {
	s, _ := newTestSentinel(t)

	go func() {
		fn := <-s.tasks
		fn()
	}()

	ran := false
	s.Do(func() { ran = true })
	assert.True(t, ran)
}

func TestTickIntervalJittered(t *testing.T) {
	s, _ := newTestSentinel(t)
	for i := 0; i < 100; i++ {
		interval := s.tickInterval()
		assert.Greater(t, interval, time.Duration(0))
		assert.LessOrEqual(t, interval, time.Second/baseTickHz)
	}
}
