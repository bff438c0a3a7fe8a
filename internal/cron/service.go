// Package cron schedules named maintenance jobs on robfig/cron and keeps
// their last-run state on disk.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Task is the work behind a job. The returned summary is logged.
type Task func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

type Job struct {
	Name    string   `json:"name"`
	Expr    string   `json:"expr"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}

type job struct {
	Job
	task  Task
	entry rcron.EntryID
	bound bool
}

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

var ErrJobNotFound = errors.New("job not found")

type Service struct {
	statePath string
	mu        sync.Mutex
	jobs      []*job
	cron      *rcron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	now       func() time.Time
}

// NewService returns a stopped scheduler. statePath may be empty to keep
// state in memory only.
func NewService(statePath string) *Service {
	return &Service{
		statePath: statePath,
		ctx:       context.Background(),
		now:       time.Now,
	}
}

// AddJob registers task under name. Expressions carry a seconds field
// ("0 */10 * * * *") or use a descriptor such as "@daily".
func (s *Service) AddJob(name, expr string, task Task) (Job, error) {
	if name == "" {
		return Job{}, fmt.Errorf("job name is required")
	}
	if task == nil {
		return Job{}, fmt.Errorf("job %s: task is required", name)
	}
	if _, err := parser.Parse(expr); err != nil {
		return Job{}, fmt.Errorf("job %s: parse %q: %w", name, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(name) != nil {
		return Job{}, fmt.Errorf("job %s already exists", name)
	}
	j := &job{Job: Job{Name: name, Expr: expr, Enabled: true}, task: task}
	s.jobs = append(s.jobs, j)
	if s.cron != nil {
		s.registerJob(j)
	}
	return j.Job, nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	states, err := LoadState(s.statePath)
	if err != nil {
		log.Printf("[cron] warning: failed to load state: %v", err)
	}

	c := rcron.New(rcron.WithParser(parser))

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = c
	for _, j := range s.jobs {
		if st, ok := states[j.Name]; ok {
			j.State = st
		}
		if j.Enabled {
			s.registerJob(j)
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

// registerJob binds j to the running scheduler. Caller holds s.mu.
func (s *Service) registerJob(j *job) {
	name := j.Name
	id, err := s.cron.AddFunc(j.Expr, func() {
		s.executeJob(name)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", name, j.Expr, err)
		return
	}
	j.entry = id
	j.bound = true
}

func (s *Service) unregisterJob(j *job) {
	if j.bound && s.cron != nil {
		s.cron.Remove(j.entry)
	}
	j.bound = false
}

func (s *Service) executeJob(name string) {
	s.mu.Lock()
	j := s.find(name)
	if j == nil || !j.Enabled {
		s.mu.Unlock()
		return
	}
	task := j.task
	ctx := s.ctx
	s.mu.Unlock()

	log.Printf("[cron] executing job %s", name)
	result, err := runTask(ctx, task)

	s.mu.Lock()
	defer s.mu.Unlock()

	if j = s.find(name); j == nil {
		return
	}
	j.State.LastRunAt = s.now().UTC()
	j.State.Runs++
	if err != nil {
		j.State.LastStatus = StatusError
		j.State.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		j.State.LastStatus = StatusOK
		j.State.LastError = ""
		log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
	}

	if err := s.save(); err != nil {
		log.Printf("[cron] warning: save state: %v", err)
	}
}

func runTask(ctx context.Context, task Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return task(ctx)
}

// RunNow executes the named job immediately on the calling goroutine.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j := s.find(name)
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.executeJob(name)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	for _, j := range s.jobs {
		j.bound = false
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
		log.Printf("[cron] stopped")
	}
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, j := range s.jobs {
		if j.Name == name {
			s.unregisterJob(j)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) EnableJob(name string, enabled bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.find(name)
	if j == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	j.Enabled = enabled
	if s.cron != nil {
		if enabled && !j.bound {
			s.registerJob(j)
		} else if !enabled {
			s.unregisterJob(j)
		}
	}
	return j.Job, nil
}

// ListJobs returns the jobs in registration order.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		result[i] = j.Job
	}
	return result
}

// Next reports the next scheduled run of a bound job.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.find(name)
	if j == nil || !j.bound || s.cron == nil {
		return time.Time{}, false
	}
	next := s.cron.Entry(j.entry).Next
	return next, !next.IsZero()
}

func (s *Service) find(name string) *job {
	for _, j := range s.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// LoadState reads persisted job state keyed by job name. A missing file is
// not an error.
func LoadState(path string) (map[string]JobState, error) {
	states := map[string]JobState{}
	if path == "" {
		return states, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return states, err
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return map[string]JobState{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return states, nil
}

// save writes job state. Caller holds s.mu.
func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	states := make(map[string]JobState, len(s.jobs))
	for _, j := range s.jobs {
		states[j.Name] = j.State
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
