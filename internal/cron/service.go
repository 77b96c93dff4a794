// Package cron runs the gateway's timed work: schedule triggers for devices
// and the retention pruner. Jobs are persisted to a JSON file.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     func(job CronJob) (string, error)
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}
	s.cron = rcron.New(rcron.WithParser(exprParser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == ScheduleCron {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", n)

	go s.tickLoop(runCtx)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob adds a cron-kind job to the scheduler. Caller holds mu.
func (s *Service) registerJob(job *CronJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule.Expr, err)
		return
	}
	s.entryMap[job.ID] = id
}

// unregisterJob is the inverse of registerJob. Caller holds mu.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
		s.cron.Remove(entryID)
		delete(s.entryMap, id)
	}
}

func (s *Service) executeJob(job CronJob) {
	if s.OnJob == nil {
		log.Printf("[cron] no OnJob handler set, skipping %s", job.Name)
		return
	}

	result, err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			log.Printf("[cron] %s (%s) failed: %v", job.Name, job.Payload.Kind, err)
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			log.Printf("[cron] %s (%s): %s", job.Name, job.Payload.Kind, truncate(result, 100))
		}
		if s.jobs[i].DeleteAfterRun {
			s.unregisterJob(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
}

// tickLoop fires "every" and "at" jobs; cron-kind jobs belong to the scheduler.
func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.due(time.Now().UnixMilli()) {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// due collects the interval and one-shot jobs that should run at now. One-shot
// jobs are disabled as they are collected so they fire once.
func (s *Service) due(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case ScheduleEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				// claim the slot so the next tick does not fire it again
				job.State.LastRunAtMs = now
				out = append(out, *job)
			}
		case ScheduleAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				out = append(out, *job)
			}
		}
	}
	return out
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

// AddJob adds an unmanaged job. One-shot "at" jobs are removed after they run.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job := NewCronJob(name, schedule, payload)
	job.DeleteAfterRun = schedule.Kind == ScheduleAt
	return s.addLocked(job)
}

func (s *Service) addLocked(job CronJob) (*CronJob, error) {
	s.jobs = append(s.jobs, job)
	if job.Schedule.Kind == ScheduleCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// Sync makes the managed jobs match specs: missing ones are added, changed
// ones are replaced and managed jobs no longer wanted are removed. Jobs added
// through AddJob are left alone. Call it after Start.
func (s *Service) Sync(specs []JobSpec) error {
	for _, spec := range specs {
		if err := spec.Schedule.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", spec.Name, err)
		}
		if err := spec.Payload.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", spec.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]JobSpec, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = spec
	}

	kept := s.jobs[:0]
	have := make(map[string]bool)
	for _, job := range s.jobs {
		spec, ok := wanted[job.Name]
		if job.Managed && (!ok || spec.Schedule != job.Schedule || spec.Payload != job.Payload) {
			s.unregisterJob(job.ID)
			continue
		}
		if job.Managed {
			have[job.Name] = true
		}
		kept = append(kept, job)
	}
	s.jobs = kept
	// entry closures hold job copies, so registrations survive the compaction

	for _, spec := range specs {
		if have[spec.Name] {
			continue
		}
		job := NewCronJob(spec.Name, spec.Schedule, spec.Payload)
		job.Managed = true
		s.jobs = append(s.jobs, job)
		if job.Schedule.Kind == ScheduleCron && s.cron != nil {
			s.registerJob(&s.jobs[len(s.jobs)-1])
		}
	}
	return s.save()
}

// RemoveJob deletes an unmanaged job. Managed jobs are owned by the config
// file and come back on the next Sync, so they can only be disabled.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID != id {
			continue
		}
		if job.Managed {
			return fmt.Errorf("%w: %s", ErrManagedJob, job.Name)
		}
		s.unregisterJob(id)
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		if err := s.save(); err != nil {
			return fmt.Errorf("save jobs: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == ScheduleCron && s.cron != nil {
			if !enabled {
				s.unregisterJob(id)
			} else if _, ok := s.entryMap[id]; !ok {
				s.registerJob(&s.jobs[i])
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
