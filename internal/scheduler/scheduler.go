// Package scheduler runs the batch jobs (catalog ETL, offer poll,
// reconcile pass) on cron schedules and alerts operators when one fails.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"repricer/internal/alert"
	"repricer/internal/core"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of batch work
type Job struct {
	Name     string
	Schedule string // standard five field cron spec or descriptor such as @hourly
	Run      func(ctx context.Context) error
}

// JobStatus is the run history of one job
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next"`
}

type jobEntry struct {
	job     Job
	id      cron.EntryID
	mu      sync.Mutex // held while the job runs
	status  JobStatus
	running bool
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped, panics are recovered and failures are alerted.
type Scheduler struct {
	cron    *cron.Cron
	alerter alert.Alerter
	logger  core.ILogger

	mu   sync.RWMutex
	jobs map[string]*jobEntry
	ctx  context.Context
}

// NewScheduler creates a scheduler; alerter may be nil
func NewScheduler(logger core.ILogger, alerter alert.Alerter) *Scheduler {
	log := logger.WithField("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		alerter: alerter,
		logger:  log,
		jobs:    make(map[string]*jobEntry),
		ctx:     context.Background(),
	}
}

// Add registers a job. An empty schedule registers it for RunNow only.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	entry := &jobEntry{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(job.Schedule, func() { s.scheduled(entry) })
		if err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		entry.id = id
	}
	s.jobs[job.Name] = entry
	s.logger.Info("Job registered", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// RunNow runs a job immediately and returns its error. It fails fast when
// the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	entry, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !entry.mu.TryLock() {
		return fmt.Errorf("job %q is already running", name)
	}
	defer entry.mu.Unlock()
	return s.execute(ctx, entry)
}

func (s *Scheduler) scheduled(entry *jobEntry) {
	if !entry.mu.TryLock() {
		s.logger.Warn("Skipping job run, previous run still in progress", "job", entry.job.Name)
		return
	}
	defer entry.mu.Unlock()

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_ = s.execute(ctx, entry)
}

func (s *Scheduler) execute(ctx context.Context, entry *jobEntry) (err error) {
	name := entry.job.Name
	start := time.Now()
	s.setRunning(entry, true)
	s.logger.Info("Job started", "job", name)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", name, r)
		}
		s.finish(entry, start, err)
		if err != nil {
			s.logger.Error("Job failed", "job", name, "duration", time.Since(start), "error", err)
			if s.alerter != nil {
				s.alerter.Alert(ctx, fmt.Sprintf("Repricer job %s failed", name), err.Error(), alert.Error,
					map[string]string{"job": name, "started_at": start.UTC().Format(time.RFC3339)})
			}
			return
		}
		s.logger.Info("Job completed", "job", name, "duration", time.Since(start))
	}()

	return entry.job.Run(ctx)
}

func (s *Scheduler) setRunning(entry *jobEntry, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.running = running
}

func (s *Scheduler) finish(entry *jobEntry, start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.running = false
	entry.status.Runs++
	entry.status.LastRun = start
	entry.status.LastError = ""
	if err != nil {
		entry.status.Failures++
		entry.status.LastError = err.Error()
	}
}

// Status returns the run history of every job, ordered by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		st := entry.status
		st.Running = entry.running
		if entry.id != 0 {
			st.Next = s.cron.Entry(entry.id).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts core.ILogger to cron.Logger
type cronLogger struct {
	logger core.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
