// Package refresh periodically rebuilds a process table's next generation
// on a schedule, either a CRON expression or a fixed interval, so a
// long-running session sees process creation/exit without an explicit
// manual refresh call. It sits outside internal/vmmcore entirely: the core
// has no notion of "on a schedule" and no import of this package.
package refresh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memscan/vmm/internal/vmmcore"
)

// Enumerator supplies the live PID/parent/DTB/name tuples a refresh cycle
// should populate the next generation with. In production this walks the
// attached MemoryModel's process list (OS-specific); tests can supply a
// fixed slice.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]ProcessInfo, error)
}

// ProcessInfo is one row an Enumerator reports.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	DTB       uint64
	Name      string
}

// Config controls how a Scheduler's single refresh job is triggered.
// Exactly one of CronExpr or Interval should be set; CronExpr takes
// precedence if both are, matching the teacher's scheduler giving CRON
// jobs their own registration path distinct from the interval ticker.
type Config struct {
	CronExpr string
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig refreshes once a minute with a 30s budget per cycle.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, Timeout: 30 * time.Second}
}

// Scheduler drives periodic ProcessTable refresh. Grounded on
// scheduler.go's Scheduler, trimmed from an N-job catalog-backed system
// down to the one job this package exists to run.
type Scheduler struct {
	table *vmmcore.ProcessTable
	enum  Enumerator
	cfg   Config

	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	mu      sync.Mutex
	running bool

	LastRun  time.Time
	LastErr  error
	RunCount uint64
}

// NewScheduler builds a scheduler that refreshes table using enum.
func NewScheduler(table *vmmcore.ProcessTable, enum Enumerator, cfg Config) *Scheduler {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Scheduler{
		table:  table,
		enum:   enum,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the schedule. CronExpr, if set, registers via
// github.com/robfig/cron/v3 with seconds precision (matching
// scheduler.go's cron.WithSeconds()); otherwise a plain time.Ticker drives
// the interval.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	if s.cfg.CronExpr != "" {
		loc, _ := time.LoadLocation("UTC")
		s.cron = cron.New(cron.WithLocation(loc), cron.WithSeconds())
		if _, err := s.cron.AddFunc(s.cfg.CronExpr, s.runOnce); err != nil {
			s.running = false
			return fmt.Errorf("refresh: invalid cron expression %q: %w", s.cfg.CronExpr, err)
		}
		s.cron.Start()
		log.Printf("refresh: scheduler started on cron %q", s.cfg.CronExpr)
		return nil
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	s.ticker = time.NewTicker(interval)
	go s.runInterval()
	log.Printf("refresh: scheduler started every %s", interval)
	return nil
}

func (s *Scheduler) runInterval() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ticker.C:
			s.runOnce()
		}
	}
}

// runOnce performs one refresh cycle: enumerate, then CreateEntry each
// process into the next generation, then CreateFinish to publish it.
func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	s.table.BeginRefresh()
	procs, err := s.enum.Enumerate(ctx)
	if err != nil {
		s.mu.Lock()
		s.LastErr = err
		s.mu.Unlock()
		log.Printf("refresh: enumerate failed: %v", err)
		return
	}

	for _, p := range procs {
		if _, err := s.table.CreateEntry(p.PID, p.ParentPID, p.DTB, p.Name); err != nil {
			log.Printf("refresh: create entry for pid %d failed: %v", p.PID, err)
		}
	}
	s.table.CreateFinish()

	s.mu.Lock()
	s.LastRun = time.Now()
	s.LastErr = nil
	s.RunCount++
	s.mu.Unlock()
}

// Stop halts the schedule. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stopCh)
	}
	log.Println("refresh: scheduler stopped")
}
