package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/unit"
)

// Listener receives every update synchronously, on the goroutine that made
// the transition. A listener must not call Cancel for the run it is being
// notified about; hand that off to another goroutine.
type Listener func(Update)

type SubscriptionID uint64

// Sequencer executes linear stage lists, one goroutine per active run.
// It is the only writer of run state.
type Sequencer struct {
	executor StageExecutor
	outcome  OutcomeFunc
	clock    clock.Clock
	archive  RunArchive
	bus      unit.EventPublisher
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState
	// retired holds terminal runs oldest first; beyond retain they are
	// dropped from memory.
	retired []retiredRun
	retain  int
	seqNo   uint64

	lmu       sync.RWMutex
	listeners map[SubscriptionID]Listener
	nextSub   SubscriptionID
}

type runState struct {
	// emitMu is held across a transition and the delivery of its updates.
	emitMu sync.Mutex
	mu     sync.Mutex
	runID  string
	run    *Run
	cancel context.CancelFunc
	done   chan struct{}
	// finished is the sequence number of the run's latest terminal
	// transition, guarded by Sequencer.mu.
	finished uint64
}

type retiredRun struct {
	st  *runState
	seq uint64
}

type Option func(*Sequencer)

func WithExecutor(exec StageExecutor) Option {
	return func(s *Sequencer) {
		if exec != nil {
			s.executor = exec
		}
	}
}

func WithOutcome(fn OutcomeFunc) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.outcome = fn
		}
	}
}

func WithTimeSource(c clock.Clock) Option {
	return func(s *Sequencer) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithArchive(a RunArchive) Option {
	return func(s *Sequencer) {
		s.archive = a
	}
}

// WithRetention caps how many terminal runs stay in memory. Older ones are
// still served by Wait from the archive. Zero keeps every run.
func WithRetention(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.retain = n
		}
	}
}

func WithPublisher(p unit.EventPublisher) Option {
	return func(s *Sequencer) {
		s.bus = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSequencer(opts ...Option) *Sequencer {
	s := &Sequencer{
		executor:  InstantExecutor,
		outcome:   DefaultOutcome,
		clock:     clock.Real(),
		logger:    slog.Default(),
		runs:      make(map[string]*runState),
		listeners: make(map[SubscriptionID]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("unit", "pipeline")
	return s
}

// ValidateStages checks that the list is non-empty and names are unique.
func ValidateStages(stages []string) error {
	var issues []string
	if len(stages) == 0 {
		issues = append(issues, "stage list is empty")
	}
	seen := make(map[string]bool, len(stages))
	for i, name := range stages {
		if strings.TrimSpace(name) == "" {
			issues = append(issues, fmt.Sprintf("stage %d has empty name", i))
			continue
		}
		if seen[name] {
			issues = append(issues, "duplicate stage name: "+name)
		}
		seen[name] = true
	}
	if len(issues) > 0 {
		return ErrInvalidConfiguration.With("issues", issues)
	}
	return nil
}

// Start begins a run and returns immediately with its initial state. The
// run is bound to ctx: cancelling ctx cancels the run. An empty runID gets
// a generated one.
func (s *Sequencer) Start(ctx context.Context, runID string, stages []string, input map[string]any) (*Run, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = generateID("run")
	}

	s.mu.Lock()
	if prev, exists := s.runs[runID]; exists {
		prev.mu.Lock()
		status := prev.run.Status
		prev.mu.Unlock()
		switch {
		case status == RunStatusRunning:
			s.mu.Unlock()
			return nil, ErrRunAlreadyActive.With("run_id", runID)
		case status.Terminal():
			s.mu.Unlock()
			return nil, ErrRunNotReset.With("run_id", runID).With("status", string(status))
		}
	}

	run := &Run{
		ID:        runID,
		Stages:    make([]StageState, len(stages)),
		Status:    RunStatusRunning,
		Input:     cloneMap(input),
		StartedAt: s.clock.Now(),
	}
	for i, name := range stages {
		run.Stages[i] = StageState{Name: name, Status: StagePending}
	}

	runCtx, cancel := context.WithCancel(ctx)
	st := &runState{
		runID:  runID,
		run:    run,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[runID] = st
	snapshot := run.Clone()
	s.mu.Unlock()

	s.logger.Info("run started", "run_id", runID, "stages", stages)
	s.publish(NewStartedEvent(snapshot))

	go s.execute(runCtx, st, snapshot.StageNames(), snapshot.Input)

	return snapshot, nil
}

func (s *Sequencer) execute(ctx context.Context, st *runState, names []string, input map[string]any) {
	defer close(st.done)
	defer st.cancel()

	carry := cloneMap(input)
	if carry == nil {
		carry = make(map[string]any)
	}
	results := make(map[string]map[string]any, len(names))
	last := len(names) - 1

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			s.abort(st, err)
			return
		}
		if !s.beginStage(st, i) {
			return
		}

		output, err := s.runStage(ctx, name, cloneMap(carry), s.reporter(st, i))
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.abort(st, ctxErr)
			return
		}
		if err != nil {
			s.fail(st, i, err.Error())
			return
		}

		results[name] = output
		for k, v := range output {
			carry[k] = v
		}

		var outcome *Outcome
		if i == last {
			outcome, err = s.outcome(names, results)
			if err != nil {
				s.fail(st, i, fmt.Sprintf("build outcome: %v", err))
				return
			}
		}
		snapshot, ok := s.completeStage(st, i, outcome, i == last)
		if !ok {
			return
		}
		s.publish(NewStageCompletedEvent(st.runID, name, output))
		if snapshot != nil {
			s.finalize(snapshot)
		}
	}
}

// runStage invokes the executor, turning a panic into a stage error so the
// run still ends failed.
func (s *Sequencer) runStage(ctx context.Context, name string, input map[string]any, report ProgressFunc) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stage panicked", "stage", name, "panic", r, "stack", string(debug.Stack()))
			output, err = nil, fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return s.executor(ctx, name, input, report)
}

// mutate applies fn to a running run and delivers the resulting updates
// before releasing the emission lock. It returns a snapshot when fn left the
// run terminal.
func (s *Sequencer) mutate(st *runState, fn func(run *Run, now time.Time) []Update) (*Run, bool) {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()

	st.mu.Lock()
	if st.run.Status != RunStatusRunning {
		st.mu.Unlock()
		return nil, false
	}
	updates := fn(st.run, s.clock.Now())
	var snapshot *Run
	if st.run.Status.Terminal() {
		snapshot = st.run.Clone()
	}
	st.mu.Unlock()

	for _, u := range updates {
		s.notify(u)
	}
	return snapshot, true
}

func (s *Sequencer) beginStage(st *runState, i int) bool {
	_, ok := s.mutate(st, func(run *Run, now time.Time) []Update {
		stage := &run.Stages[i]
		stage.Status = StageProcessing
		stage.Progress = 0
		stage.StartedAt = &now
		return []Update{newUpdate(run, UpdateStageStarted, i, now)}
	})
	return ok
}

func (s *Sequencer) reporter(st *runState, i int) ProgressFunc {
	return func(p float64) {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return
		}
		p = clamp(p)
		s.mutate(st, func(run *Run, now time.Time) []Update {
			stage := &run.Stages[i]
			if stage.Status != StageProcessing || p <= stage.Progress {
				return nil
			}
			stage.Progress = p
			return []Update{newUpdate(run, UpdateProgress, i, now)}
		})
	}
}

func (s *Sequencer) completeStage(st *runState, i int, outcome *Outcome, last bool) (*Run, bool) {
	return s.mutate(st, func(run *Run, now time.Time) []Update {
		stage := &run.Stages[i]
		stage.Status = StageCompleted
		stage.Progress = 100
		stage.EndedAt = &now
		updates := []Update{newUpdate(run, UpdateStageCompleted, i, now)}
		if last {
			run.Status = RunStatusCompleted
			run.Outcome = outcome
			run.CompletedAt = &now
			updates = append(updates, newUpdate(run, UpdateRunCompleted, i, now))
		}
		return updates
	})
}

func (s *Sequencer) fail(st *runState, i int, reason string) {
	snapshot, ok := s.mutate(st, func(run *Run, now time.Time) []Update {
		stage := &run.Stages[i]
		stage.Status = StageFailed
		stage.Error = reason
		stage.EndedAt = &now
		run.Status = RunStatusFailed
		run.Failure = &StageFailure{Stage: stage.Name, Reason: reason}
		run.Outcome = nil
		run.CompletedAt = &now
		return []Update{
			newUpdate(run, UpdateStageFailed, i, now),
			newUpdate(run, UpdateRunFailed, i, now),
		}
	})
	if ok {
		s.finalize(snapshot)
	}
}

// abort handles cancellation that arrived through the run context.
func (s *Sequencer) abort(st *runState, cause error) {
	snapshot, ok := s.mutate(st, func(run *Run, now time.Time) []Update {
		idx := markCancelled(run, now, cause.Error())
		return []Update{newUpdate(run, UpdateRunCancelled, idx, now)}
	})
	if ok {
		s.finalize(snapshot)
	}
}

func markCancelled(run *Run, now time.Time, reason string) int {
	idx, active := run.ActiveStage()
	if active {
		stage := &run.Stages[idx]
		stage.Status = StageCancelled
		stage.Error = reason
		stage.EndedAt = &now
	}
	run.Status = RunStatusCancelled
	run.CompletedAt = &now
	return idx
}

// Cancel stops a running run. Once Cancel returns no further update for the
// run is delivered. Cancelling a run that is not running is a no-op.
func (s *Sequencer) Cancel(runID string) error {
	st, err := s.lookup(runID)
	if err != nil {
		return err
	}

	snapshot, ok := s.mutate(st, func(run *Run, now time.Time) []Update {
		idx := markCancelled(run, now, ErrCancelled.Message)
		return []Update{newUpdate(run, UpdateRunCancelled, idx, now)}
	})
	if !ok {
		return nil
	}
	st.cancel()
	s.finalize(snapshot)
	return nil
}

// Reset returns a terminal run to pending so Start can reuse its ID.
func (s *Sequencer) Reset(runID string) error {
	st, err := s.lookup(runID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.run.Status.Terminal() {
		return ErrRunNotTerminal.With("run_id", runID).With("status", string(st.run.Status))
	}
	for i := range st.run.Stages {
		st.run.Stages[i] = StageState{Name: st.run.Stages[i].Name, Status: StagePending}
	}
	st.run.Status = RunStatusPending
	st.run.Outcome = nil
	st.run.Failure = nil
	st.run.StartedAt = time.Time{}
	st.run.CompletedAt = nil

	s.logger.Debug("run reset", "run_id", runID)
	return nil
}

// Remove forgets a run that is not running. Archived copies are kept.
func (s *Sequencer) Remove(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound.With("run_id", runID)
	}
	st.mu.Lock()
	status := st.run.Status
	st.mu.Unlock()
	if status == RunStatusRunning {
		return ErrRunAlreadyActive.With("run_id", runID)
	}
	delete(s.runs, runID)
	return nil
}

func (s *Sequencer) Get(runID string) (*Run, error) {
	st, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run.Clone(), nil
}

// Stages returns the per-stage status and progress of a run.
func (s *Sequencer) Stages(runID string) ([]StageState, error) {
	run, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	return run.Stages, nil
}

// List returns every run the sequencer still holds, newest first.
func (s *Sequencer) List() []Run {
	s.mu.Lock()
	states := make([]*runState, 0, len(s.runs))
	for _, st := range s.runs {
		states = append(states, st)
	}
	s.mu.Unlock()

	runs := make([]Run, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		runs = append(runs, *st.run.Clone())
		st.mu.Unlock()
	}
	sortRuns(runs)
	return runs
}

// Wait blocks until the run's goroutine has finished or ctx is done. A run
// already evicted from memory is read back from the archive.
func (s *Sequencer) Wait(ctx context.Context, runID string) (*Run, error) {
	st, err := s.lookup(runID)
	if err != nil {
		if s.archive == nil {
			return nil, err
		}
		run, aerr := s.archive.GetRun(ctx, runID)
		if aerr != nil {
			return nil, err
		}
		return run, nil
	}

	select {
	case <-st.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run.Clone(), nil
}

func (s *Sequencer) Subscribe(l Listener) SubscriptionID {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextSub++
	s.listeners[s.nextSub] = l
	return s.nextSub
}

func (s *Sequencer) Unsubscribe(id SubscriptionID) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	delete(s.listeners, id)
}

func (s *Sequencer) notify(u Update) {
	s.lmu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.lmu.RUnlock()

	for _, l := range listeners {
		l(u)
	}
}

func (s *Sequencer) lookup(runID string) (*runState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound.With("run_id", runID)
	}
	return st, nil
}

func (s *Sequencer) finalize(run *Run) {
	switch run.Status {
	case RunStatusFailed:
		s.logger.Warn("run failed", "run_id", run.ID, "error", run.Err())
	case RunStatusCancelled:
		s.logger.Info("run cancelled", "run_id", run.ID)
	default:
		s.logger.Info("run completed", "run_id", run.ID)
	}

	if s.archive != nil {
		if err := s.archive.SaveRun(context.Background(), run); err != nil {
			s.logger.Error("archive run", "run_id", run.ID, "error", err)
		}
	}
	s.publish(NewTerminalEvent(run))
	s.retire(run.ID)
}

// retire queues a terminal run for eviction and drops the oldest ones once
// more than retain are held. Entries superseded by a restart are skipped.
func (s *Sequencer) retire(runID string) {
	if s.retain <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runs[runID]
	if !ok {
		return
	}
	s.seqNo++
	st.finished = s.seqNo
	s.retired = append(s.retired, retiredRun{st: st, seq: s.seqNo})

	live := 0
	for _, r := range s.retired {
		if s.current(r) {
			live++
		}
	}
	kept := s.retired[:0]
	for _, r := range s.retired {
		if !s.current(r) {
			continue
		}
		if live > s.retain {
			st := r.st
			st.mu.Lock()
			terminal := st.run.Status.Terminal()
			st.mu.Unlock()
			if terminal {
				delete(s.runs, st.runID)
				live--
				s.logger.Debug("run evicted", "run_id", st.runID)
				continue
			}
		}
		kept = append(kept, r)
	}
	s.retired = kept
}

// current reports whether r still describes the run held under its ID.
// Caller holds s.mu.
func (s *Sequencer) current(r retiredRun) bool {
	return s.runs[r.st.runID] == r.st && r.st.finished == r.seq
}

func (s *Sequencer) publish(ev unit.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ev); err != nil {
		s.logger.Debug("publish event", "type", ev.Type(), "error", err)
	}
}

func newUpdate(run *Run, kind UpdateKind, i int, now time.Time) Update {
	u := Update{
		RunID:      run.ID,
		Kind:       kind,
		StageIndex: i,
		RunStatus:  run.Status,
		Timestamp:  now,
	}
	if i >= 0 && i < len(run.Stages) {
		u.Stage = run.Stages[i].Name
		u.Progress = run.Stages[i].Progress
	}
	return u
}
