// Package scheduler runs orchestration waves on cron schedules. Each job
// loads its plan file at fire time, so edits take effect on the next run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/orchestrator"
)

// CycleRunner executes one plan. *orchestrator.Orchestrator satisfies it.
type CycleRunner interface {
	ExecuteCycle(ctx context.Context, plan orchestrator.ExecutionPlan) *orchestrator.OrchestrationResult
}

type PlanLoader func(path string) (orchestrator.ExecutionPlan, error)

type Job struct {
	Name string `yaml:"name" json:"name"`
	Spec string `yaml:"spec" json:"spec"`
	Plan string `yaml:"plan" json:"plan"`
}

// JobStatus is a snapshot of a job and its last run.
type JobStatus struct {
	Job
	Paused      bool      `json:"paused"`
	Next        time.Time `json:"next,omitempty"`
	Runs        int       `json:"runs"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastCycleID string    `json:"last_cycle_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

var ErrJobNotFound = errors.New("job not found")

type entry struct {
	job      Job
	schedule cron.Schedule
	id       cron.EntryID
	paused   bool

	runs        int
	lastRun     time.Time
	lastCycleID string
	lastError   string
}

type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]*entry
	runner CycleRunner
	load   PlanLoader
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped scheduler. A nil load uses orchestrator.LoadPlan.
func New(runner CycleRunner, load PlanLoader, logger *zap.Logger) *Scheduler {
	if load == nil {
		load = orchestrator.LoadPlan
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{l: logger.Sugar()}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   make(map[string]*entry),
		runner: runner,
		load:   load,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers jobs and starts the cron loop. Invalid jobs are logged and
// skipped.
func (s *Scheduler) Start(jobs []Job) {
	for _, j := range jobs {
		if err := s.AddJob(j); err != nil {
			s.logger.Warn("skipping job", zap.String("job", j.Name), zap.Error(err))
		}
	}
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
}

func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" || job.Plan == "" {
		return errors.New("job needs a name and a plan")
	}
	sched, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return fmt.Errorf("job %q: invalid spec %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	e := &entry{job: job, schedule: sched}
	s.jobs[job.Name] = e
	s.scheduleLocked(e)
	return nil
}

func (s *Scheduler) scheduleLocked(e *entry) {
	name := e.job.Name
	e.id = s.cron.Schedule(e.schedule, cron.FuncJob(func() {
		if _, err := s.run(s.ctx, name); err != nil {
			s.logger.Warn("scheduled run failed", zap.String("job", name), zap.Error(err))
		}
	}))
}

func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if !e.paused {
		s.cron.Remove(e.id)
	}
	delete(s.jobs, name)
	return nil
}

func (s *Scheduler) PauseJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if !e.paused {
		s.cron.Remove(e.id)
		e.paused = true
	}
	return nil
}

func (s *Scheduler) ResumeJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if e.paused {
		e.paused = false
		s.scheduleLocked(e)
	}
	return nil
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*orchestrator.OrchestrationResult, error) {
	return s.run(ctx, name)
}

func (s *Scheduler) run(ctx context.Context, name string) (*orchestrator.OrchestrationResult, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	path := e.job.Plan
	s.mu.Unlock()

	plan, err := s.load(path)
	var result *orchestrator.OrchestrationResult
	if err == nil {
		result = s.runner.ExecuteCycle(ctx, plan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.runs++
	e.lastRun = time.Now()
	if err != nil {
		e.lastError = err.Error()
		return nil, fmt.Errorf("job %q: %w", name, err)
	}
	e.lastError = ""
	e.lastCycleID = result.CycleID
	s.logger.Info("scheduled cycle complete",
		zap.String("job", name),
		zap.String("cycle_id", result.CycleID),
		zap.Int("failed", result.Failed))
	return result, nil
}

// ListJobs returns all jobs sorted by name.
func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobStatus{
			Job:         e.job,
			Paused:      e.paused,
			Runs:        e.runs,
			LastRun:     e.lastRun,
			LastCycleID: e.lastCycleID,
			LastError:   e.lastError,
		}
		if !e.paused {
			st.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
