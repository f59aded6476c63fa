package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

const DefaultJobTimeout = 2 * time.Minute

type Config struct {
	Timezone   string // IANA name, e.g. "Asia/Tokyo"
	JobTimeout time.Duration
}

// Job is a scheduled unit of work. Its context is cancelled on Stop or when
// the job timeout elapses.
type Job func(ctx context.Context) error

// JobOption tunes one registration.
type JobOption func(*entry)

// WithTimeout overrides Config.JobTimeout for one job.
func WithTimeout(d time.Duration) JobOption {
	return func(e *entry) {
		if d > 0 {
			e.timeout = d
		}
	}
}

type entry struct {
	name    string
	spec    string
	job     Job
	timeout time.Duration
	id      cron.EntryID
	running atomic.Bool
	skipped atomic.Uint64
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Skipped uint64
	Timeout time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	// SecondOptional allows both 5-field and 6-field specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		cfg:     cfg,
		log:     log,
		loc:     loc,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: map[string]*entry{},
	}, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// Register registers job under name, replacing any schedule with the same
// name. A run that fires while the previous run of the same job is still in
// flight is skipped.
func (s *Service) Register(name, schedule string, job Job, opts ...JobOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Expr()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, spec: spec, job: job, timeout: s.cfg.JobTimeout}
	for _, o := range opts {
		o(e)
	}
	id, err := s.c.AddJob(spec, cron.FuncJob(func() { s.run(e) }))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.String("next", s.previewLocked(spec, 3)))
	return nil
}

// AddDaily runs job every day at hhmm in the scheduler time zone.
func (s *Service) AddDaily(name, hhmm string, job Job, opts ...JobOption) error {
	spec, err := DailyAt(hhmm)
	if err != nil {
		return err
	}
	return s.Register(name, "cron:"+spec, job, opts...)
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.c.Remove(e.id)
	delete(s.entries, name)
	return true
}

// Start begins triggering. Jobs inherit ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering, cancels running jobs and waits for them or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for jobs")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Trigger runs the named job immediately, honoring the overlap rule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	s.run(e)
	return nil
}

func (s *Service) run(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("schedule skipped: previous run in flight", logx.String("name", e.name))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer e.running.Store(false)

	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule panicked", logx.String("name", e.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := e.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("schedule failed", logx.String("name", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("schedule done", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
}

// Schedules lists registered jobs sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.c.Entry(e.id)
		info := ScheduleInfo{Name: e.name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev, Skipped: e.skipped.Load(), Timeout: e.timeout}
		if info.Next.IsZero() {
			if sched, err := s.parser.Parse(e.spec); err == nil {
				info.Next = sched.Next(time.Now().In(s.loc))
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
