package sentinel

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner() (*ScriptRunner, *testClock) {
	clock := &testClock{current: time.Unix(1700000000, 0)}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	runner := newScriptRunner(func(fn func()) { fn() }, clock.Now, logger)
	return runner, clock
}

func TestScheduleAndQueueLength(t *testing.T) {
	runner, _ := newTestRunner()
	runner.Schedule("/bin/notify", "+sdown", "master mymaster")
	assert.Equal(t, 1, runner.QueueLength())
	assert.Equal(t, 0, runner.Running())
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	runner, _ := newTestRunner()
	for i := 0; i < scriptMaxQueue; i++ {
		runner.Schedule("/bin/notify", "event")
	}
	require.Equal(t, scriptMaxQueue, runner.QueueLength())

	first := runner.queue[0]
	runner.Schedule("/bin/notify", "latest")
	assert.Equal(t, scriptMaxQueue, runner.QueueLength())
	assert.NotContains(t, runner.queue, first)
}

func TestOverflowSkipsRunningJobs(t *testing.T) {
	runner, _ := newTestRunner()
	for i := 0; i < scriptMaxQueue; i++ {
		runner.Schedule("/bin/notify", "event")
	}
	runner.queue[0].running = true

	runner.Schedule("/bin/notify", "latest")
	assert.True(t, runner.queue[0].running, "running job must not be evicted")
}

func TestFinishSuccessRemovesJob(t *testing.T) {
	runner, _ := newTestRunner()
	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.running = true
	runner.running = 1

	runner.finish(job, 0, 0)
	assert.Equal(t, 0, runner.QueueLength())
	assert.Equal(t, 0, runner.Running())
}

func TestFinishRetriableSchedulesBackoff(t *testing.T) {
	runner, clock := newTestRunner()
	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.running = true
	runner.running = 1

	runner.finish(job, 1, 0)
	require.Equal(t, 1, runner.QueueLength())
	assert.Equal(t, 1, job.retries)
	assert.Equal(t, clock.current.Add(scriptRetryDelay), job.nextRun)

	// Second failure doubles the delay.
	job.running = true
	runner.running = 1
	runner.finish(job, 1, 0)
	assert.Equal(t, 2, job.retries)
	assert.Equal(t, clock.current.Add(2*scriptRetryDelay), job.nextRun)
}

func TestFinishSignalDeathRetries(t *testing.T) {
	runner, _ := newTestRunner()
	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.running = true
	runner.running = 1

	runner.finish(job, -1, 9)
	assert.Equal(t, 1, job.retries)
	assert.Equal(t, 1, runner.QueueLength())
}

func TestFinishNonRetriableDrops(t *testing.T) {
	runner, _ := newTestRunner()
	var reportedCode int
	runner.onError = func(path string, exitCode, signal int) { reportedCode = exitCode }

	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.running = true
	runner.running = 1

	runner.finish(job, 2, 0)
	assert.Equal(t, 0, runner.QueueLength())
	assert.Equal(t, 2, reportedCode)
}

func TestRetryFailuresStaySilent(t *testing.T) {
	runner, _ := newTestRunner()
	reported := false
	runner.onError = func(path string, exitCode, signal int) { reported = true }

	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.running = true
	runner.running = 1

	// A retryable failure with budget left is rescheduled, not reported.
	runner.finish(job, 1, 0)
	assert.Equal(t, 1, runner.QueueLength())
	assert.False(t, reported)
}

func TestRetriesCapped(t *testing.T) {
	runner, _ := newTestRunner()
	reported := false
	runner.onError = func(path string, exitCode, signal int) { reported = true }

	runner.Schedule("/bin/notify", "event")
	job := runner.queue[0]
	job.retries = scriptMaxRetries
	job.running = true
	runner.running = 1

	runner.finish(job, 1, 0)
	assert.Equal(t, 0, runner.QueueLength())
	assert.True(t, reported)
}

func TestCronRespectsNextRun(t *testing.T) {
	runner, clock := newTestRunner()
	runner.Schedule("/definitely/not/a/script", "event")
	runner.queue[0].nextRun = clock.current.Add(time.Hour)

	runner.Cron()
	// Still queued, never started.
	require.Equal(t, 1, runner.QueueLength())
	assert.False(t, runner.queue[0].running)
}

func TestCronStartFailureRetriesThenReports(t *testing.T) {
	runner, _ := newTestRunner()
	var gotCode, gotSignal int
	reported := false
	runner.onError = func(path string, exitCode, signal int) {
		reported = true
		gotCode, gotSignal = exitCode, signal
	}

	runner.Schedule("/definitely/not/a/script")
	runner.Cron()

	// Spawn failure counts as a signal death: queued for a retry, nothing
	// reported yet.
	require.Equal(t, 1, runner.QueueLength())
	assert.Equal(t, 1, runner.queue[0].retries)
	assert.False(t, reported)

	// Once the retry budget is gone the failure is reported and dropped,
	// carrying the synthetic signal 99.
	job := runner.queue[0]
	job.retries = scriptMaxRetries
	job.running = true
	runner.running = 1
	runner.finish(job, 0, 99)

	assert.True(t, reported)
	assert.Equal(t, 0, gotCode)
	assert.Equal(t, 99, gotSignal)
	assert.Equal(t, 0, runner.QueueLength())
}
