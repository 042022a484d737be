package sentinel

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	scriptMaxQueue   = 256
	scriptMaxRunning = 16
	scriptMaxRetries = 10
	scriptRetryDelay = 30 * time.Second
	scriptMaxRuntime = 60 * time.Second
)

type scriptJob struct {
	path string
	args []string

	running bool
	started time.Time
	nextRun time.Time
	retries int

	cancel context.CancelFunc
}

// ScriptRunner is the bounded FIFO of user scripts. Jobs are started from the
// core loop; completion status comes back as a posted task.
type ScriptRunner struct {
	queue   []*scriptJob
	running int

	post   func(func())
	now    func() time.Time
	logger logrus.FieldLogger

	// Reported through the event bus by the owner.
	onError func(path string, exitCode, signal int)
}

func newScriptRunner(post func(func()), now func() time.Time, logger logrus.FieldLogger) *ScriptRunner {
	return &ScriptRunner{post: post, now: now, logger: logger}
}

// Schedule queues a script execution. On overflow the oldest job not yet
// running is evicted.
func (r *ScriptRunner) Schedule(path string, args ...string) {
	if len(r.queue) >= scriptMaxQueue {
		for i, job := range r.queue {
			if !job.running {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		if len(r.queue) >= scriptMaxQueue {
			return
		}
	}
	r.queue = append(r.queue, &scriptJob{path: path, args: args})
}

// Cron starts due jobs and kills overdue ones. Called on every tick.
func (r *ScriptRunner) Cron() {
	now := r.now()
	for _, job := range r.queue {
		if job.running {
			if now.Sub(job.started) > scriptMaxRuntime && job.cancel != nil {
				job.cancel()
			}
			continue
		}
		if r.running >= scriptMaxRunning {
			break
		}
		if now.Before(job.nextRun) {
			continue
		}
		r.start(job)
	}
}

func (r *ScriptRunner) start(job *scriptJob) {
	ctx, cancel := context.WithCancel(context.Background())
	job.running = true
	job.started = r.now()
	job.cancel = cancel
	r.running++

	cmd := exec.CommandContext(ctx, job.path, job.args...)
	if err := cmd.Start(); err != nil {
		cancel()
		// Spawn failure is reported with the synthetic signal 99.
		r.post(func() { r.finish(job, 0, 99) })
		return
	}

	go func() {
		err := cmd.Wait()
		cancel()
		exitCode, signal := 0, 0
		if err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					signal = int(ws.Signal())
				}
			}
		}
		r.post(func() { r.finish(job, exitCode, signal) })
	}()
}

// finish applies the retry policy: exit code 1 or death by signal retries
// with exponential backoff up to the cap, other failures are dropped. Only an
// abandoned job is reported; retries stay silent.
func (r *ScriptRunner) finish(job *scriptJob, exitCode, signal int) {
	job.running = false
	r.running--

	if exitCode == 0 && signal == 0 {
		r.remove(job)
		return
	}

	retry := exitCode == 1 || signal != 0
	if !retry || job.retries >= scriptMaxRetries {
		if r.onError != nil {
			r.onError(job.path, exitCode, signal)
		}
		r.remove(job)
		return
	}

	job.retries++
	delay := scriptRetryDelay
	for i := 1; i < job.retries; i++ {
		delay *= 2
	}
	job.nextRun = r.now().Add(delay)
}

func (r *ScriptRunner) remove(job *scriptJob) {
	for i, j := range r.queue {
		if j == job {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// Pending returns a snapshot of queued jobs for SENTINEL PENDING-SCRIPTS.
func (r *ScriptRunner) Pending() []scriptJob {
	out := make([]scriptJob, 0, len(r.queue))
	for _, job := range r.queue {
		out = append(out, *job)
	}
	return out
}

// QueueLength and Running feed the INFO sentinel section.
func (r *ScriptRunner) QueueLength() int { return len(r.queue) }
func (r *ScriptRunner) Running() int     { return r.running }
