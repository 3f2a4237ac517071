package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stack-tools/stackd/pkg/depgraph"
	"github.com/stack-tools/stackd/pkg/errors"
	"github.com/stack-tools/stackd/pkg/logging"
	"github.com/stack-tools/stackd/pkg/monitoring"
	"github.com/stack-tools/stackd/pkg/supervisor"
	"github.com/stack-tools/stackd/pkg/topology"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const eventQueueSize = 256

// Options carries deployment-wide orchestrator settings.
type Options struct {
	// ShutdownTimeout bounds total teardown latency. Units not confirming
	// STOPPED within the bound are forcefully terminated and marked
	// STOPPED regardless.
	ShutdownTimeout time.Duration
}

type eventKind int

const (
	evLaunched eventKind = iota
	evHealth
	evRestartDue
)

type event struct {
	kind    eventKind
	unit    string
	err     error
	verdict monitoring.Verdict
}

// unitEntry bundles everything the orchestrator tracks per unit. The
// spec and state pointer are immutable; the rest is guarded by the
// orchestrator mutex.
type unitEntry struct {
	spec  topology.UnitSpec
	state *unitState

	handle         supervisor.Handle
	monitor        *monitoring.Monitor
	launched       chan struct{} // closed once the current launch attempt has recorded its result
	restartTimer   *time.Timer
	restartPending bool

	terminal     chan struct{} // closed when the unit can never run again this deployment
	terminalOnce sync.Once
}

// Orchestrator walks the dependency graph to bring units up in dependency
// order and tears them down in reverse order. It owns every unit phase
// transition; the health monitors only feed results in.
type Orchestrator struct {
	topologyName string
	options      Options
	graph        *depgraph.Graph
	sup          supervisor.Supervisor
	logger       logging.Logger
	runID        string

	mutex         sync.Mutex
	entries       map[string]*unitEntry
	order         []string
	started       bool
	downRequested bool
	downDone      bool

	events        chan event
	loopStop      chan struct{}
	loopDone      chan struct{}
	converged     chan struct{}
	convergedOnce sync.Once
}

// New builds an orchestrator over a validated topology and its graph.
// All state is passed in explicitly; nothing is read from ambient
// configuration after this point.
func New(config *topology.Config, graph *depgraph.Graph, sup supervisor.Supervisor, logger logging.Logger) *Orchestrator {
	o := &Orchestrator{
		topologyName: config.Topology.Name,
		options:      Options{ShutdownTimeout: config.Topology.ShutdownTimeout},
		graph:        graph,
		sup:          sup,
		logger:       logger,
		runID:        uuid.NewString(),
		entries:      make(map[string]*unitEntry, len(config.Units)),
		order:        graph.StartOrder(),
		events:       make(chan event, eventQueueSize),
		loopStop:     make(chan struct{}),
		loopDone:     make(chan struct{}),
		converged:    make(chan struct{}),
	}

	for _, spec := range config.Units {
		o.entries[spec.Name] = &unitEntry{
			spec:     spec,
			state:    newUnitState(spec.Name),
			terminal: make(chan struct{}),
		}
	}

	return o
}

// RunID identifies this deployment run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// TopologyName returns the loaded topology's name.
func (o *Orchestrator) TopologyName() string {
	return o.topologyName
}

// Up brings the topology up in dependency order, parallelizing
// independent branches. It blocks until every unit has settled (READY,
// STOPPED, or permanently FAILED) or ctx is cancelled. Per-unit runtime
// failures are not returned as errors; they are surfaced through
// Snapshot. The caller is expected to invoke Down afterwards either way.
func (o *Orchestrator) Up(ctx context.Context) error {
	o.mutex.Lock()
	if o.started {
		o.mutex.Unlock()
		return errors.NewConflictError("topology has already been started", nil)
	}
	o.started = true
	o.mutex.Unlock()

	o.logger.Infof("Bringing topology up, name: %s, run_id: %s, units: %d, order: %v",
		o.topologyName, o.runID, o.graph.Len(), o.order)

	go o.loop()

	o.schedule()
	o.checkConverged()

	select {
	case <-o.converged:
		o.logger.Infof("Topology settled, name: %s, run_id: %s", o.topologyName, o.runID)
		return nil
	case <-ctx.Done():
		o.logger.Warnf("Topology startup cancelled mid-graph, name: %s", o.topologyName)
		return errors.NewCancelledError("topology startup cancelled", ctx.Err())
	}
}

// Down tears the topology down in strict reverse-topological order: a
// unit is issued a stop command only after all of its dependents have
// reached STOPPED or FAILED. Calling Down on a topology that is already
// down (or was never brought up) is a no-op.
func (o *Orchestrator) Down(ctx context.Context) error {
	o.mutex.Lock()
	if !o.started || o.downDone || o.downRequested {
		o.mutex.Unlock()
		return nil
	}
	o.downRequested = true

	// No unit re-enters PENDING once teardown has begun.
	for _, entry := range o.entries {
		if entry.restartTimer != nil {
			entry.restartTimer.Stop()
		}
		if entry.restartPending {
			entry.restartPending = false
			if entry.state.Phase() == PhaseFailed {
				o.markTerminal(entry)
			}
		}
	}
	o.mutex.Unlock()

	o.logger.Infof("Tearing topology down, name: %s, run_id: %s, shutdown_timeout: %v",
		o.topologyName, o.runID, o.options.ShutdownTimeout)

	stopCtx := ctx
	var cancel context.CancelFunc
	if o.options.ShutdownTimeout > 0 {
		stopCtx, cancel = context.WithTimeout(ctx, o.options.ShutdownTimeout)
		defer cancel()
	}

	// Monitors first: nothing should flip health while units stop.
	for _, name := range o.order {
		entry := o.entries[name]
		o.mutex.Lock()
		monitor := entry.monitor
		entry.monitor = nil
		o.mutex.Unlock()
		if monitor != nil {
			monitor.Stop()
		}
	}

	collection := errors.NewErrorCollection()
	var collectionMutex sync.Mutex

	var g errgroup.Group
	for _, name := range o.graph.StopOrder() {
		entry := o.entries[name]
		g.Go(func() error {
			if err := o.stopUnit(stopCtx, entry); err != nil {
				collectionMutex.Lock()
				collection.Add(err)
				collectionMutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	close(o.loopStop)
	<-o.loopDone

	o.mutex.Lock()
	o.downDone = true
	o.mutex.Unlock()

	if collection.HasErrors() {
		o.logger.Errorf("Teardown finished with errors, name: %s, errors: %v", o.topologyName, collection.Error())
	} else {
		o.logger.Infof("Topology stopped, name: %s, run_id: %s", o.topologyName, o.runID)
	}
	return collection.ToError()
}

// Snapshot returns a point-in-time projection of all unit states in
// declaration order. Read-only; never mutates orchestrator state.
func (o *Orchestrator) Snapshot() []UnitStatus {
	names := o.graph.Names()
	statuses := make([]UnitStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, o.entries[name].state.Status())
	}
	return statuses
}

// UnitStatus returns the projection for a single unit.
func (o *Orchestrator) UnitStatus(name string) (UnitStatus, error) {
	entry, exists := o.entries[name]
	if !exists {
		return UnitStatus{}, errors.NewNotFoundError("unit not found", nil).WithContext("unit", name)
	}
	return entry.state.Status(), nil
}

// ----- event loop -----

func (o *Orchestrator) loop() {
	defer close(o.loopDone)

	for {
		select {
		case ev := <-o.events:
			o.handleEvent(ev)
		case <-o.loopStop:
			return
		}
	}
}

func (o *Orchestrator) sendEvent(ev event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Warnf("Event queue full, dropping event, unit: %s, kind: %d", ev.unit, ev.kind)
	}
}

func (o *Orchestrator) handleEvent(ev event) {
	o.mutex.Lock()
	down := o.downRequested
	o.mutex.Unlock()
	if down {
		// Teardown owns all units now; late events are stale.
		return
	}

	entry := o.entries[ev.unit]

	switch ev.kind {
	case evLaunched:
		o.handleLaunched(entry, ev.err)
	case evHealth:
		o.handleHealth(entry, ev.verdict)
	case evRestartDue:
		o.handleRestartDue(entry)
	}

	o.checkConverged()
}

func (o *Orchestrator) handleLaunched(entry *unitEntry, launchErr error) {
	name := entry.spec.Name

	if entry.state.Phase() != PhaseStarting {
		// Forced to STOPPING while the launch was in flight; teardown or
		// failure propagation owns the process now.
		return
	}

	if launchErr != nil {
		o.logger.Errorf("Unit launch failed, unit: %s, error: %v", name, launchErr)
		o.failUnit(entry, errors.NewLaunchError("unit process failed to start", launchErr).WithContext("unit", name))
		return
	}

	if entry.spec.HasHealthCheck() {
		if err := entry.state.Transition(PhaseAwaitingHealth, nil); err != nil {
			o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
			return
		}
		o.startMonitor(entry)
		return
	}

	// No health check declared: launch success is readiness.
	if err := entry.state.Transition(PhaseReady, nil); err != nil {
		o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
		return
	}
	o.logger.Infof("Unit ready (no health check), unit: %s", name)
	o.schedule()
}

func (o *Orchestrator) handleHealth(entry *unitEntry, verdict monitoring.Verdict) {
	name := entry.spec.Name
	phase := entry.state.Phase()

	switch verdict {
	case monitoring.VerdictReady:
		if phase == PhaseAwaitingHealth {
			if err := entry.state.Transition(PhaseReady, nil); err != nil {
				o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
				return
			}
			o.logger.Infof("Unit ready, unit: %s", name)
			o.schedule()
		}
	case monitoring.VerdictFailed:
		if phase == PhaseAwaitingHealth || phase == PhaseReady {
			o.failUnit(entry, errors.NewHealthCheckError("unit health check failed persistently", nil).WithContext("unit", name))
		}
	}
}

func (o *Orchestrator) handleRestartDue(entry *unitEntry) {
	name := entry.spec.Name

	o.mutex.Lock()
	entry.restartPending = false
	o.mutex.Unlock()

	if entry.state.Phase() != PhaseFailed {
		return
	}

	if err := entry.state.Transition(PhasePending, nil); err != nil {
		o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
		return
	}
	o.logger.Infof("Unit re-entering pending after restart backoff, unit: %s, restarts: %d", name, entry.state.Restarts())
	o.schedule()
}

// ----- scheduling -----

// schedule starts every pending unit whose direct dependencies are all
// ready. Independent branches of the graph start concurrently.
func (o *Orchestrator) schedule() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.downRequested {
		return
	}

	for _, name := range o.order {
		entry := o.entries[name]
		if entry.state.Phase() != PhasePending {
			continue
		}
		if !o.dependenciesReady(name) {
			continue
		}

		if err := entry.state.Transition(PhaseStarting, nil); err != nil {
			o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
			continue
		}

		entry.launched = make(chan struct{})
		o.logger.Infof("Starting unit, unit: %s, dependencies: %v", name, o.graph.Dependencies(name))
		go o.launch(entry)
	}
}

func (o *Orchestrator) dependenciesReady(name string) bool {
	for _, dep := range o.graph.Dependencies(name) {
		if o.entries[dep].state.Phase() != PhaseReady {
			return false
		}
	}
	return true
}

func (o *Orchestrator) launch(entry *unitEntry) {
	handle, err := o.sup.StartUnit(context.Background(), entry.spec)

	o.mutex.Lock()
	if err == nil {
		entry.handle = handle
	}
	close(entry.launched)
	o.mutex.Unlock()

	o.sendEvent(event{kind: evLaunched, unit: entry.spec.Name, err: err})
}

func (o *Orchestrator) startMonitor(entry *unitEntry) {
	name := entry.spec.Name
	unitLogger := logging.NewPrefixedLogger(o.logger, "unit: "+name+" , ")

	sink := func(unit string, result monitoring.HealthCheckResult, verdict monitoring.Verdict) {
		// The sanctioned write path for health results; phases stay with
		// the orchestrator loop.
		o.entries[unit].state.SetHealth(result)
		o.sendEvent(event{kind: evHealth, unit: unit, verdict: verdict})
	}

	monitor := monitoring.NewMonitor(name, *entry.spec.HealthCheck, sink, unitLogger)

	o.mutex.Lock()
	entry.monitor = monitor
	o.mutex.Unlock()

	monitor.Start()
}

// ----- failure handling -----

// failUnit moves a unit to FAILED and applies its restart policy. A
// permanent failure propagates to every transitive dependent: a
// dependency that will never become ready cannot have dependents proceed.
func (o *Orchestrator) failUnit(entry *unitEntry, cause error) {
	name := entry.spec.Name

	if err := entry.state.Transition(PhaseFailed, cause); err != nil {
		o.logger.Errorf("Phase transition failed, unit: %s, error: %v", name, err)
		return
	}

	restart := entry.spec.Restart
	restartable := restart.Policy != topology.RestartPolicyNone &&
		(restart.MaxRetries == 0 || entry.state.Restarts() < restart.MaxRetries)

	if restartable {
		attempt := entry.state.IncrementRestarts()
		delay := restart.BackoffDelay(attempt - 1)
		o.logger.Warnf("Unit failed, scheduling restart, unit: %s, attempt: %d, delay: %v", name, attempt, delay)

		o.mutex.Lock()
		entry.restartPending = true
		o.mutex.Unlock()

		go o.cleanupThenScheduleRestart(entry, delay)
		return
	}

	o.logger.Errorf("Unit failed permanently, unit: %s, policy: %s, restarts: %d",
		name, restart.Policy, entry.state.Restarts())

	o.markTerminal(entry)
	go o.reapProcess(entry)
	o.propagateFailure(entry)
}

// cleanupThenScheduleRestart stops the old monitor and process before the
// backoff timer starts, so a restarted unit never races its previous
// incarnation.
func (o *Orchestrator) cleanupThenScheduleRestart(entry *unitEntry, delay time.Duration) {
	o.detachMonitor(entry)
	o.reapProcess(entry)

	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.downRequested || !entry.restartPending {
		entry.restartPending = false
		if entry.state.Phase() == PhaseFailed {
			o.markTerminal(entry)
		}
		return
	}

	entry.restartTimer = time.AfterFunc(delay, func() {
		o.sendEvent(event{kind: evRestartDue, unit: entry.spec.Name})
	})
}

// propagateFailure forces every transitive dependent of a permanently
// failed unit to STOPPING. Pending dependents stop without ever having
// been started.
func (o *Orchestrator) propagateFailure(failed *unitEntry) {
	failedName := failed.spec.Name

	for _, name := range o.graph.TransitiveDependents(failedName) {
		entry := o.entries[name]
		depErr := errors.NewDependencyFailedError(name, failedName)

		// Cancel any restart the dependent had queued.
		o.mutex.Lock()
		if entry.restartTimer != nil {
			entry.restartTimer.Stop()
		}
		hadRestartPending := entry.restartPending
		entry.restartPending = false
		o.mutex.Unlock()

		switch phase := entry.state.Phase(); phase {
		case PhasePending:
			o.transitionOrLog(entry, PhaseStopping, depErr)
			o.transitionOrLog(entry, PhaseStopped, nil)
			o.markTerminal(entry)
			o.logger.Warnf("Unit stopped before start, dependency failed, unit: %s, dependency: %s", name, failedName)

		case PhaseStarting, PhaseAwaitingHealth, PhaseReady:
			o.transitionOrLog(entry, PhaseStopping, depErr)
			o.logger.Warnf("Forcing unit down, dependency failed, unit: %s, dependency: %s", name, failedName)
			go o.forceStop(entry)

		case PhaseFailed:
			if hadRestartPending {
				o.markTerminal(entry)
			}

		case PhaseStopping, PhaseStopped:
			// Already on its way down.
		}
	}

	o.checkConverged()
}

// forceStop completes a dependency-failure STOPPING transition: waits out
// an in-flight launch, stops the process, marks the unit STOPPED.
func (o *Orchestrator) forceStop(entry *unitEntry) {
	o.detachMonitor(entry)

	o.mutex.Lock()
	launched := entry.launched
	o.mutex.Unlock()
	if launched != nil {
		<-launched
	}

	o.reapProcess(entry)
	o.transitionOrLog(entry, PhaseStopped, nil)
	o.markTerminal(entry)
	o.checkConverged()
}

// reapProcess stops the unit's process if one is attached. Best effort;
// failures are logged and the handle is dropped either way.
func (o *Orchestrator) reapProcess(entry *unitEntry) {
	o.mutex.Lock()
	handle := entry.handle
	entry.handle = nil
	o.mutex.Unlock()

	if handle == nil {
		return
	}

	if err := o.sup.StopUnit(context.Background(), handle, entry.spec.StopGracePeriod); err != nil {
		o.logger.Warnf("Failed to stop unit process, unit: %s, error: %v", entry.spec.Name, err)
	}
}

func (o *Orchestrator) detachMonitor(entry *unitEntry) {
	o.mutex.Lock()
	monitor := entry.monitor
	entry.monitor = nil
	o.mutex.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
}

// ----- teardown -----

// stopUnit is the per-unit teardown worker. It blocks until every direct
// dependent is terminal, then issues the stop command. On shutdown
// timeout the unit is forcefully terminated and marked STOPPED regardless.
func (o *Orchestrator) stopUnit(ctx context.Context, entry *unitEntry) error {
	name := entry.spec.Name

	for _, dependent := range o.graph.Dependents(name) {
		select {
		case <-o.entries[dependent].terminal:
		case <-ctx.Done():
			o.logger.Warnf("Shutdown timeout while waiting for dependent, unit: %s, dependent: %s", name, dependent)
		}
	}

	switch phase := entry.state.Phase(); phase {
	case PhaseStopped:
		o.markTerminal(entry)
		return nil

	case PhaseFailed:
		// Terminal already; reap any lingering process.
		o.reapProcess(entry)
		o.markTerminal(entry)
		return nil

	case PhaseStopping:
		// A failure-propagation goroutine owns this unit; give it until
		// the shutdown deadline.
		select {
		case <-entry.terminal:
			return nil
		case <-ctx.Done():
			o.reapProcess(entry)
			o.transitionOrLog(entry, PhaseStopped, errors.NewTimeoutError("unit forcefully terminated at shutdown deadline", nil))
			o.markTerminal(entry)
			return errors.NewTimeoutError("unit did not confirm stopped within the shutdown bound", nil).WithContext("unit", name)
		}

	case PhasePending:
		// Never started; no stop command is issued.
		o.transitionOrLog(entry, PhaseStopping, nil)
		o.transitionOrLog(entry, PhaseStopped, nil)
		o.markTerminal(entry)
		return nil

	case PhaseStarting:
		o.transitionOrLog(entry, PhaseStopping, nil)
		o.mutex.Lock()
		launched := entry.launched
		o.mutex.Unlock()
		if launched != nil {
			select {
			case <-launched:
			case <-ctx.Done():
			}
		}
		return o.stopProcessAndMark(ctx, entry)

	case PhaseAwaitingHealth, PhaseReady:
		o.transitionOrLog(entry, PhaseStopping, nil)
		return o.stopProcessAndMark(ctx, entry)

	default:
		return errors.NewInternalError(fmt.Sprintf("unexpected phase %s during teardown", phase), nil).WithContext("unit", name)
	}
}

func (o *Orchestrator) stopProcessAndMark(ctx context.Context, entry *unitEntry) error {
	name := entry.spec.Name

	o.mutex.Lock()
	handle := entry.handle
	entry.handle = nil
	o.mutex.Unlock()

	var stopErr error
	if handle != nil {
		stopErr = o.sup.StopUnit(ctx, handle, entry.spec.StopGracePeriod)
		if stopErr != nil {
			o.logger.Warnf("Unit stop did not complete cleanly, unit: %s, error: %v", name, stopErr)
		}
	}

	// Marked STOPPED even on a forced kill; the error stays visible in
	// the status projection.
	o.transitionOrLog(entry, PhaseStopped, stopErr)
	o.markTerminal(entry)

	if stopErr != nil {
		return errors.NewTimeoutError("unit was forcefully terminated", stopErr).WithContext("unit", name)
	}
	o.logger.Infof("Unit stopped, unit: %s", name)
	return nil
}

// ----- bookkeeping -----

func (o *Orchestrator) transitionOrLog(entry *unitEntry, to UnitPhase, cause error) {
	if err := entry.state.Transition(to, cause); err != nil {
		o.logger.Errorf("Phase transition failed, unit: %s, error: %v", entry.spec.Name, err)
	}
}

func (o *Orchestrator) markTerminal(entry *unitEntry) {
	entry.terminalOnce.Do(func() {
		close(entry.terminal)
	})
}

// checkConverged closes the convergence gate once every unit has settled:
// READY, STOPPED, or FAILED with no restart queued.
func (o *Orchestrator) checkConverged() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	for _, entry := range o.entries {
		switch entry.state.Phase() {
		case PhaseReady, PhaseStopped:
		case PhaseFailed:
			if entry.restartPending {
				return
			}
		default:
			return
		}
	}

	o.convergedOnce.Do(func() {
		close(o.converged)
	})
}
