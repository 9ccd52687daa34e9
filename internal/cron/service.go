// Package cron runs scheduled digests: on each tick a job summarizes one
// session and posts the result to a chat.
package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/chatsum/internal/config"
	"github.com/stellarlinkco/chatsum/internal/log"
)

const stopTimeout = 5 * time.Second

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
)

// Expressions take five fields, or six with leading seconds, or a
// descriptor such as "@daily".
var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour |
	rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Job struct {
	Name      string
	Expr      string
	SessionID string
	Channel   string
	ChatID    string
	Args      string
	Enabled   bool
	State     JobState
}

type JobState struct {
	LastRunAt  time.Time
	LastStatus string
	LastError  string
}

func JobFromConfig(c config.ScheduleConfig) Job {
	return Job{
		Name:      c.Name,
		Expr:      c.Expr,
		SessionID: c.SessionID,
		Channel:   c.Channel,
		ChatID:    c.ChatID,
		Args:      c.Args,
		Enabled:   c.Enabled,
	}
}

// Handler runs one job and returns what it posted.
type Handler func(ctx context.Context, job Job) (string, error)

type Service struct {
	mu      sync.Mutex
	jobs    []Job
	entries map[string]rcron.EntryID
	handler Handler
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(handler Handler) *Service {
	return &Service{
		handler: handler,
		entries: make(map[string]rcron.EntryID),
		cron:    rcron.New(rcron.WithParser(parser)),
		ctx:     context.Background(),
	}
}

// Validate checks a schedule expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// AddJob registers job. Disabled jobs are kept but never fire.
func (s *Service) AddJob(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return errors.New("job name is required")
	}
	if job.SessionID == "" || job.ChatID == "" {
		return fmt.Errorf("job %s: sessionId and chatId are required", job.Name)
	}
	if err := Validate(job.Expr); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	if job.Enabled {
		return s.register(job)
	}
	return nil
}

func (s *Service) register(job Job) error {
	name := job.Name
	id, err := s.cron.AddFunc(job.Expr, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.Name != name {
			continue
		}
		if id, ok := s.entries[name]; ok {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Next reports when the named job fires next.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	if _, ok := s.find(name); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.run(name)
}

func (s *Service) find(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

func (s *Service) run(name string) error {
	job, ok := s.find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if s.handler == nil {
		log.Warnf("[cron] no handler set, skipping %s", name)
		return nil
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	log.Infof("[cron] running job %s (session %s)", name, job.SessionID)
	result, err := s.handler(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = time.Now()
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
	}
	if err != nil {
		log.Errorf("[cron] job %s failed: %v", name, err)
		return err
	}
	log.Infof("[cron] job %s posted: %s", name, truncate(result, 100))
	return nil
}

// Start begins firing jobs. Cancelling ctx stops the service.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	log.Infof("[cron] started with %d active jobs", n)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
}

// Stop waits for running jobs, up to a few seconds.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		log.Warnf("[cron] stop timeout waiting for running jobs")
	}
	cancel()
	log.Infof("[cron] stopped")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
