// -----------------------------------------------------------------------
// Supervisor - Worker lifecycle, envelope routing and pending tracking
// -----------------------------------------------------------------------

package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/bus"
	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// process is one supervised worker instance: the worker behind a
// mailbox, plus the liveness flags the routing rules read. A process
// is alive while it has neither exited on its own nor been killed.
type process struct {
	seq     int64
	name    string
	class   models.WorkerClass
	config  models.WorkerClassConfig
	worker  interfaces.Worker
	mailbox *bus.Mailbox

	// ctx is cancelled when the instance is killed or exits, so a job
	// still running inside a dead instance stops instead of finishing
	// alongside its replayed copy.
	ctx    context.Context
	cancel context.CancelFunc

	// killed and exited are only touched on the supervisor loop.
	killed bool
	exited bool
}

func (p *process) alive() bool {
	return !p.exited && !p.killed
}

// Supervisor owns the worker roster, routes envelopes between workers
// by destination path, tracks every routed envelope until its terminal
// acknowledgement, and restarts dead instances with a replay of what
// they still owed.
//
// All roster mutations happen on a single event loop goroutine; worker
// goroutines and timers only post closures onto the control channel.
type Supervisor struct {
	config    *common.Config
	logger    arbor.ILogger
	factories map[models.WorkerClass]interfaces.WorkerFactory

	inbox chan models.Envelope
	ctl   chan func()

	rosterMu sync.RWMutex
	roster   map[string]*process
	seq      int64

	pending *PendingTable

	healthMu sync.RWMutex
	health   map[string]models.WorkerHealth

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup

	started  bool
	stopping bool // owned by the event loop

	mailboxSize int
	deferDelay  time.Duration
	pendingTTL  time.Duration
	staleAfter  time.Duration
}

// New creates a supervisor from the application configuration. Worker
// classes must be registered before Start.
func New(config *common.Config, logger arbor.ILogger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	mailboxSize := config.Supervisor.MailboxSize
	if mailboxSize < 1 {
		mailboxSize = 64
	}

	return &Supervisor{
		config:      config,
		logger:      logger,
		factories:   make(map[models.WorkerClass]interfaces.WorkerFactory),
		inbox:       make(chan models.Envelope, mailboxSize*4),
		ctl:         make(chan func()),
		roster:      make(map[string]*process),
		pending:     NewPendingTable(),
		health:      make(map[string]models.WorkerHealth),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
		mailboxSize: mailboxSize,
		deferDelay:  common.ParseDurationOr(config.Supervisor.DeferDelay, 5*time.Second),
		pendingTTL:  common.ParseDurationOr(config.Supervisor.PendingTTL, time.Hour),
		staleAfter:  common.ParseDurationOr(config.Supervisor.StaleAfter, 90*time.Second),
	}
}

// Register binds a worker class to the factory that builds its
// instances. Must be called before Start.
func (s *Supervisor) Register(class models.WorkerClass, factory interfaces.WorkerFactory) {
	s.factories[class] = factory
}

// Start launches the event loop and spawns the configured count of
// instances for every registered class.
func (s *Supervisor) Start() error {
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.started = true

	go s.loop()

	errCh := make(chan error, 1)
	s.ctl <- func() { errCh <- s.spawnInitial() }
	return <-errCh
}

// Emit injects an envelope into the supervisor's inbox. Workers reach
// this through the bus.Emit closure handed to them at spawn. Reports
// false when the supervisor is shutting down.
func (s *Supervisor) Emit(env models.Envelope) bool {
	select {
	case s.inbox <- env:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Stop drains the supervisor: intake stops first, in-flight work gets
// until the context deadline to finish, then every worker is cancelled.
func (s *Supervisor) Stop(ctx context.Context) error {
	// Phase 1: no more respawns, and stop broker intake so no new jobs
	// enter while existing ones drain.
	done := make(chan struct{})
	s.post(func() {
		s.stopping = true
		for _, p := range s.roster {
			if p.class == models.WorkerClassGateway && p.alive() {
				s.kill(p, "shutdown")
			}
		}
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
	}

	// Phase 2: wait for the pending table to empty - every routed
	// envelope acked means no job is mid-flight.
	drainErr := s.awaitDrain(ctx)

	// Phase 3: cancel every worker and the loop.
	s.cancel()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Workers did not exit within grace period")
	}

	return drainErr
}

func (s *Supervisor) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.pending.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.logger.Warn().
				Int("pending", s.pending.Len()).
				Msg("Shutdown drain timeout with unacked envelopes")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Kill terminates a worker instance by name. The instance is respawned
// with its class configuration and its class's pending envelopes are
// replayed, exactly as if the process had died on its own.
func (s *Supervisor) Kill(instance string) {
	s.post(func() {
		if p, ok := s.roster[instance]; ok && p.alive() {
			s.kill(p, "killed by operator")
		}
	})
}

// Instances returns the live instance names of a class, oldest first.
func (s *Supervisor) Instances(class models.WorkerClass) []string {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()

	procs := make([]*process, 0, len(s.roster))
	for _, p := range s.roster {
		if p.class == class {
			procs = append(procs, p)
		}
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].seq < procs[j].seq })

	names := make([]string, len(procs))
	for i, p := range procs {
		names[i] = p.name
	}
	return names
}

// PendingLen reports how many routed envelopes await acknowledgement.
func (s *Supervisor) PendingLen() int {
	return s.pending.Len()
}

// SweepPending expires pending entries older than the configured TTL,
// logging each drop, and returns how many were removed. Unroutable
// messages age out here instead of leaking forever.
func (s *Supervisor) SweepPending() int {
	expired := s.pending.Sweep(time.Now(), s.pendingTTL)
	for _, env := range expired {
		s.logger.Warn().
			Str("message_id", env.MessageID).
			Strs("destination", env.Destination).
			Str("status", string(env.Status)).
			Msg("Expired unacknowledged envelope from pending table")
	}
	return len(expired)
}

// Healths returns a snapshot of every tracked instance's health record,
// sorted by instance name.
func (s *Supervisor) Healths() []models.WorkerHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()

	out := make([]models.WorkerHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerNameID < out[j].WorkerNameID })
	return out
}

// CheckWorkerHealth flags instances whose heartbeat is older than the
// staleness threshold. Stale instances are logged, not restarted.
func (s *Supervisor) CheckWorkerHealth() int {
	now := time.Now()
	stale := 0

	s.healthMu.Lock()
	for name, h := range s.health {
		if h.Stale(now, s.staleAfter) {
			if h.Healthy {
				h.Healthy = false
				s.health[name] = h
			}
			stale++
			s.logger.Warn().
				Str("instance", name).
				Dur("heartbeat_age", now.Sub(h.LastHeartbeat)).
				Msg("Worker heartbeat is stale")
		}
	}
	s.healthMu.Unlock()

	return stale
}

// ---- event loop ----

func (s *Supervisor) loop() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.inbox:
			s.handle(env)
		case fn := <-s.ctl:
			fn()
		}
	}
}

// post runs fn on the event loop, dropping it if the loop has exited.
func (s *Supervisor) post(fn func()) {
	select {
	case s.ctl <- fn:
	case <-s.loopDone:
	}
}

// handle processes one envelope emitted by a worker.
func (s *Supervisor) handle(env models.Envelope) {
	// Heartbeats refresh liveness and travel no further.
	if env.Status == models.StatusHealthy {
		s.recordHeartbeat(env.Source)
		return
	}

	// An error status means the sender is in trouble: restart it. Its
	// pending envelopes are replayed onto the replacement.
	if env.Status == models.StatusError {
		s.restartSender(env)
		return
	}

	if env.ForSupervisor() {
		s.handleAck(env)
		return
	}

	s.route(env)
}

// handleAck clears the pending entry for a terminal acknowledgement.
func (s *Supervisor) handleAck(env models.Envelope) {
	switch env.Status {
	case models.StatusCompleted, models.StatusFailed:
		class, ok := s.pending.Remove(env.MessageID)
		if !ok {
			s.logger.Debug().
				Str("message_id", env.MessageID).
				Str("source", env.Source).
				Msg("Ack for untracked message")
			return
		}
		s.logger.Debug().
			Str("message_id", env.MessageID).
			Str("class", class).
			Str("status", string(env.Status)).
			Str("reason", env.Reason).
			Msg("Pending envelope acknowledged")
	default:
		s.logger.Debug().
			Str("message_id", env.MessageID).
			Str("status", string(env.Status)).
			Msg("Ignoring non-terminal supervisor envelope")
	}
}

// route delivers an envelope to a live instance of its target class,
// spawning or deferring per the routing rules.
func (s *Supervisor) route(env models.Envelope) {
	target := env.Target()
	if target == "" {
		s.logger.Warn().
			Str("message_id", env.MessageID).
			Msg("Dropping envelope without destination")
		return
	}

	class := models.WorkerClass(target)
	cfg, haveConfig := s.config.ClassConfig(class)
	factory := s.factories[class]
	if !haveConfig || factory == nil {
		// No class to deliver to. The entry stays in the pending table
		// so an operator can inspect it; the sweep expires it.
		s.pending.Insert(target, env)
		s.logger.Error().
			Str("message_id", env.MessageID).
			Str("destination", env.Destination[0]).
			Str("reason", string(models.ReasonUnknownDestination)).
			Msg("No worker class configured for destination")
		return
	}

	candidates := s.liveOf(class)
	if len(candidates) == 0 {
		p, err := s.spawn(class, cfg)
		if err != nil {
			s.logger.Error().Err(err).Str("class", target).Msg("Spawn failed, deferring envelope")
			s.deferEnvelope(env)
			return
		}
		candidates = []*process{p}
	}

	// A busy instance rejected this envelope; it must not get it back.
	if env.Reason == string(models.ReasonServerBusy) && env.Source != "" {
		candidates = exclude(candidates, env.Source)
	}

	// Directed responses go to the instance that is waiting on them.
	if env.ReplyTo != "" {
		if p := byName(candidates, env.ReplyTo); p != nil {
			candidates = []*process{p}
		}
	}

	if len(candidates) == 0 {
		if s.liveCount(class) < cfg.SpawnLimit() {
			p, err := s.spawn(class, cfg)
			if err != nil {
				s.deferEnvelope(env)
				return
			}
			candidates = []*process{p}
		} else {
			s.deferEnvelope(env)
			return
		}
	}

	s.pending.Insert(target, env)

	p := candidates[0]
	if err := p.mailbox.Deliver(env); err != nil {
		s.logger.Warn().
			Err(err).
			Str("instance", p.name).
			Str("message_id", env.MessageID).
			Msg("Delivery failed, deferring envelope")
		s.deferEnvelope(env)
	}
}

// deferEnvelope re-enqueues an undeliverable envelope after a fixed
// back-off, giving a saturated class time to free up.
func (s *Supervisor) deferEnvelope(env models.Envelope) {
	// A busy rejection only excludes the rejecting instance on the
	// immediate attempt. By the time the deferral fires the instance
	// may be free again, so the retry goes out as first routed.
	if env.Reason == string(models.ReasonServerBusy) {
		if orig, ok := s.pending.Get(env.MessageID); ok {
			env = orig
		} else {
			env.Source = ""
			env.Reason = ""
		}
	}

	s.logger.Debug().
		Str("message_id", env.MessageID).
		Dur("delay", s.deferDelay).
		Msg("Deferring envelope")

	time.AfterFunc(s.deferDelay, func() {
		select {
		case s.inbox <- env:
		case <-s.ctx.Done():
		}
	})
}

// restartSender kills the instance that emitted an error envelope. The
// exit path respawns it and replays its class's pending envelopes.
func (s *Supervisor) restartSender(env models.Envelope) {
	if env.Source == "" {
		s.logger.Warn().
			Str("message_id", env.MessageID).
			Str("reason", env.Reason).
			Msg("Error envelope without source, nothing to restart")
		return
	}
	p, ok := s.roster[env.Source]
	if !ok || !p.alive() {
		s.logger.Debug().
			Str("instance", env.Source).
			Msg("Error from instance no longer in roster")
		return
	}
	s.logger.Warn().
		Str("instance", env.Source).
		Str("reason", env.Reason).
		Msg("Restarting worker after error envelope")
	s.kill(p, env.Reason)
}

// kill marks a process dead, closes its mailbox and cancels its
// context. Run loops drain and return, which triggers the exit path;
// cancellation aborts any job the instance still has in flight.
// Loop-only.
func (s *Supervisor) kill(p *process, reason string) {
	if p.killed {
		return
	}
	p.killed = true
	p.mailbox.Close()
	p.cancel()
	s.logger.Debug().
		Str("instance", p.name).
		Str("reason", reason).
		Msg("Worker killed")
}

// spawnInitial boots the configured count of instances for every
// registered class. Loop-only.
func (s *Supervisor) spawnInitial() error {
	classes := make([]string, 0, len(s.config.Workers))
	for name := range s.config.Workers {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	for _, name := range classes {
		class := models.WorkerClass(name)
		cfg := s.config.Workers[name]
		if s.factories[class] == nil {
			s.logger.Warn().Str("class", name).Msg("Worker class configured but no factory registered")
			continue
		}
		count := cfg.Count
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			if _, err := s.spawn(class, cfg); err != nil {
				return fmt.Errorf("failed to spawn %s: %w", name, err)
			}
		}
	}
	return nil
}

// spawn builds and launches one instance of a class. Loop-only.
func (s *Supervisor) spawn(class models.WorkerClass, cfg models.WorkerClassConfig) (*process, error) {
	name := common.NewInstanceName(class.String())
	mailbox := bus.NewMailbox(name, s.mailboxSize)

	worker, err := s.factories[class](interfaces.WorkerSpawn{
		Instance: name,
		Inbox:    mailbox,
		Emit:     s.Emit,
		Config:   cfg,
	})
	if err != nil {
		mailbox.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)

	s.seq++
	p := &process{
		seq:     s.seq,
		name:    name,
		class:   class,
		config:  cfg,
		worker:  worker,
		mailbox: mailbox,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.rosterMu.Lock()
	s.roster[name] = p
	s.rosterMu.Unlock()

	s.recordHeartbeat(name)

	s.wg.Add(1)
	go s.runWorker(p)

	s.logger.Info().
		Str("instance", name).
		Str("class", class.String()).
		Msg("Worker spawned")
	return p, nil
}

// runWorker executes one worker instance until it exits, recovering
// panics so a crashing worker becomes a restart instead of a crash.
func (s *Supervisor) runWorker(p *process) {
	defer s.wg.Done()

	var exitErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				exitErr = fmt.Errorf("worker panic: %v", r)
				s.logger.Error().
					Str("instance", p.name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", common.GetStackTrace()).
					Msg("PANIC RECOVERED in worker")
			}
		}()
		exitErr = p.worker.Run(p.ctx)
	}()

	s.post(func() { s.onExit(p, exitErr) })
}

// onExit removes a dead instance from the roster, respawns one of the
// same class with the same configuration, and replays the class's
// pending envelopes through normal routing. Loop-only.
func (s *Supervisor) onExit(p *process, exitErr error) {
	p.exited = true
	p.mailbox.Close()
	p.cancel()

	s.rosterMu.Lock()
	delete(s.roster, p.name)
	s.rosterMu.Unlock()

	s.healthMu.Lock()
	delete(s.health, p.name)
	s.healthMu.Unlock()

	if exitErr != nil {
		s.logger.Warn().Err(exitErr).Str("instance", p.name).Msg("Worker exited with error")
	} else {
		s.logger.Info().Str("instance", p.name).Msg("Worker exited")
	}

	if s.stopping || s.ctx.Err() != nil {
		return
	}

	replacement, err := s.spawn(p.class, p.config)
	if err != nil {
		s.logger.Error().Err(err).Str("class", p.class.String()).Msg("Respawn failed")
		return
	}

	replay := s.pending.ForClass(p.class.String())
	if len(replay) == 0 {
		return
	}
	s.logger.Info().
		Str("class", p.class.String()).
		Str("replacement", replacement.name).
		Int("count", len(replay)).
		Msg("Replaying pending envelopes after restart")
	for _, env := range replay {
		s.route(env)
	}
}

// recordHeartbeat refreshes an instance's health record.
func (s *Supervisor) recordHeartbeat(instance string) {
	if instance == "" {
		return
	}
	s.healthMu.Lock()
	s.health[instance] = models.WorkerHealth{
		WorkerNameID:  instance,
		LastHeartbeat: time.Now(),
		Healthy:       true,
	}
	s.healthMu.Unlock()
}

// liveOf returns the live instances of a class, oldest first. Loop-only.
func (s *Supervisor) liveOf(class models.WorkerClass) []*process {
	s.rosterMu.RLock()
	defer s.rosterMu.RUnlock()

	var out []*process
	for _, p := range s.roster {
		if p.class == class && p.alive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Supervisor) liveCount(class models.WorkerClass) int {
	return len(s.liveOf(class))
}

func exclude(procs []*process, name string) []*process {
	out := procs[:0]
	for _, p := range procs {
		if p.name != name {
			out = append(out, p)
		}
	}
	return out
}

func byName(procs []*process, name string) *process {
	for _, p := range procs {
		if p.name == name {
			return p
		}
	}
	return nil
}
