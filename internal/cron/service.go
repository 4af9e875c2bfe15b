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

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// ImportJob is a scheduled history backfill: re-import a chat's trailing
// window on a cron expression. Reruns are idempotent because the store
// deduplicates by source id.
type ImportJob struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Chat        string   `json:"chat"`
	WindowHours int      `json:"windowHours"`
	Schedule    string   `json:"schedule"` // cron expression with seconds field
	Enabled     bool     `json:"enabled"`
	State       JobState `json:"state"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastCount   int    `json:"lastCount,omitempty"`
}

func NewImportJob(name, chat string, windowHours int, schedule string) ImportJob {
	return ImportJob{
		ID:          uuid.NewString(),
		Name:        name,
		Chat:        chat,
		WindowHours: windowHours,
		Schedule:    schedule,
		Enabled:     true,
	}
}

// Service runs import jobs on their schedules, persisting the job list as
// JSON so schedules survive restarts (the imported messages do not; they
// are re-imported on the next run).
type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []ImportJob
	OnJob     func(job ImportJob) (int, error)
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}

	s.cron = rcron.New(rcron.WithSeconds())

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	jobCount := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d import jobs", jobCount)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Service) registerJob(job *ImportJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job ImportJob) {
	log.Printf("[cron] running import job %s (chat=%s window=%dh)", job.Name, job.Chat, job.WindowHours)

	if s.OnJob == nil {
		log.Printf("[cron] no OnJob handler set")
		return
	}

	count, err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
			if err != nil {
				s.jobs[i].State.LastStatus = "error"
				s.jobs[i].State.LastError = err.Error()
				log.Printf("[cron] import job %s error: %v", job.Name, err)
			} else {
				s.jobs[i].State.LastStatus = "ok"
				s.jobs[i].State.LastError = ""
				s.jobs[i].State.LastCount = count
				log.Printf("[cron] import job %s merged %d messages", job.Name, count)
			}
			break
		}
	}

	_ = s.save()
}

func (s *Service) Stop() {
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

func (s *Service) AddJob(name, chat string, windowHours int, schedule string) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewImportJob(name, chat, windowHours, schedule)
	s.jobs = append(s.jobs, job)

	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ImportJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else {
					if entryID, ok := s.entryMap[id]; ok {
						s.cron.Remove(entryID)
						delete(s.entryMap, id)
					}
				}
			}
			_ = s.save()
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
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
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
