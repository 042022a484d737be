package sentinel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	runIDLen   = 40
	baseTickHz = 10
)

// SimFlags are the failure-injection switches behind SENTINEL
// SIMULATE-FAILURE.
type SimFlags int

const (
	SimCrashAfterElection SimFlags = 1 << iota
	SimCrashAfterPromotion
)

// Sentinel is the whole controller state: every monitored primary with its
// replicas and peer sentinels, the epoch, and the global options. All of it
// is owned by the Run loop goroutine; the outside world reaches it only
// through posted tasks.
type Sentinel struct {
	myID         string
	currentEpoch uint64

	primaries map[string]*Instance

	tilt      bool
	tiltSince time.Time
	prevTime  time.Time

	announceIP          string
	announcePort        int
	announceHostnames   bool
	resolveHostnames    bool
	denyScriptsReconfig bool
	sentinelUser        string
	sentinelPass        string

	timing Timing

	listenHost string
	listenPort int

	fs         afero.Fs
	configFile string

	events  *EventBus
	scripts *ScriptRunner

	simFlags SimFlags

	tasks chan func()

	logger logrus.FieldLogger
	now    func() time.Time
	rng    *mrand.Rand
}

// Options configures a new Sentinel.
type Options struct {
	Logger     logrus.FieldLogger
	Fs         afero.Fs
	ConfigFile string
	Host       string
	Port       int
}

func New(opts Options) *Sentinel {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	s := &Sentinel{
		primaries:           make(map[string]*Instance),
		denyScriptsReconfig: true,
		timing:              defaultTiming(),
		listenHost:          opts.Host,
		listenPort:          opts.Port,
		fs:                  fs,
		tasks:               make(chan func(), 1024),
		logger:              logger,
		now:                 time.Now,
		rng:                 mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	s.events = newEventBus(logger)
	s.scripts = newScriptRunner(s.postAsync, func() time.Time { return s.now() }, logger)
	s.scripts.onError = func(path string, exitCode, signal int) {
		s.emitEvent(logrus.WarnLevel, "-script-error", nil, "%s %d %d", path, signal, exitCode)
	}
	s.prevTime = s.now()

	if opts.ConfigFile != "" {
		if err := s.LoadConfig(opts.ConfigFile); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Warn("could not load config file")
		}
	}

	if s.myID == "" {
		s.myID = generateRunID()
		s.logger.WithField("myid", s.myID).Info("sentinel id generated")
		s.flushConfig()
	}

	return s
}

func generateRunID() string {
	buf := make([]byte, runIDLen/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("cannot read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// MyID returns this sentinel's unique id.
func (s *Sentinel) MyID() string { return s.myID }

// Events exposes the event bus for the admin server's pub/sub clients.
func (s *Sentinel) Events() *EventBus { return s.events }

// post enqueues fn for the Run loop. Safe from any goroutine except the loop
// itself once the queue is full.
func (s *Sentinel) post(fn func()) {
	s.tasks <- fn
}

// postAsync never blocks the caller, at the price of a goroutine when the
// queue is full. Used where the poster may be the loop itself.
func (s *Sentinel) postAsync(fn func()) {
	select {
	case s.tasks <- fn:
	default:
		go func() { s.tasks <- fn }()
	}
}

// Do runs fn on the loop goroutine and waits for it. Callers must not already
// be on the loop.
func (s *Sentinel) Do(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	<-done
}

// Run drives the tick loop until ctx is cancelled. The interval is jittered
// each round so a fleet of sentinels does not act in lockstep.
func (s *Sentinel) Run(ctx context.Context) {
	timer := time.NewTimer(s.tickInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.tasks:
			fn()
		case <-timer.C:
			s.Tick()
			timer.Reset(s.tickInterval())
		}
	}
}

func (s *Sentinel) tickInterval() time.Duration {
	hz := baseTickHz + s.rng.Intn(baseTickHz)
	return time.Second / time.Duration(hz)
}

// Tick is one pass over every monitored instance: the watchdog first, then
// the monitoring and acting halves, then the script queue.
func (s *Sentinel) Tick() {
	s.checkTiltCondition()

	for _, primary := range s.primariesSnapshot() {
		s.handleInstance(primary)
		for _, replica := range instancesSnapshot(primary.pri.replicas) {
			s.handleInstance(replica)
		}
		for _, peer := range instancesSnapshot(primary.pri.sentinels) {
			s.handleInstance(peer)
		}
		if primary.pri.failoverState == FailoverUpdateConfig {
			s.switchToPromotedReplica(primary)
		}
	}

	s.scripts.Cron()
}

func (s *Sentinel) primariesSnapshot() []*Instance {
	out := make([]*Instance, 0, len(s.primaries))
	for _, ri := range s.primaries {
		out = append(out, ri)
	}
	return out
}

func instancesSnapshot(m map[string]*Instance) []*Instance {
	out := make([]*Instance, 0, len(m))
	for _, ri := range m {
		out = append(out, ri)
	}
	return out
}

// handleInstance runs the monitoring half unconditionally and the acting
// half only outside TILT.
func (s *Sentinel) handleInstance(ri *Instance) {
	s.monitorInstance(ri)

	if s.tilt {
		if s.now().Sub(s.tiltSince) < s.timing.TiltPeriod {
			return
		}
		s.tilt = false
		s.emitEvent(logrus.WarnLevel, "-tilt", nil, "#tilt mode exited")
	}

	s.checkSubjectivelyDown(ri)

	if ri.kind == KindPrimary {
		s.checkObjectivelyDown(ri)
		if s.startFailoverIfNeeded(ri) {
			s.askPrimaryStateToOtherSentinels(ri, askForced)
		}
		s.runFailoverStateMachine(ri)
		s.askPrimaryStateToOtherSentinels(ri, !askForced)
	}
}

// checkTiltCondition compares this tick's clock against the previous one.
// Going backwards or jumping far forward means timers cannot be trusted, so
// acting is suspended for a full tilt period.
func (s *Sentinel) checkTiltCondition() {
	now := s.now()
	delta := now.Sub(s.prevTime)
	if delta < 0 || delta > s.timing.TiltTrigger {
		s.tilt = true
		s.tiltSince = now
		s.emitEvent(logrus.WarnLevel, "+tilt", nil, "#tilt mode entered")
	}
	s.prevTime = now
}

// InTilt reports whether the watchdog currently suspends acting.
func (s *Sentinel) InTilt() bool { return s.tilt }

func (s *Sentinel) simCrash() {
	s.logger.Warn("sentinel crash simulated")
	os.Exit(99)
}
