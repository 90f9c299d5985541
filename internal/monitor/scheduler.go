// Package monitor runs the periodic liveness sweep over every camera
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
)

// CameraStore is the persistence the scheduler depends on. SetOnline must
// write only the boolean liveness flag.
type CameraStore interface {
	List(ctx context.Context) ([]*camera.Camera, error)
	SetOnline(ctx context.Context, id int64, online bool) error
}

// Prober probes a batch of cameras concurrently
type Prober interface {
	ProbeAll(ctx context.Context, cameras []*camera.Camera, timeout time.Duration) map[int64]bool
}

// StatusChangeEvent describes one liveness transition
type StatusChangeEvent struct {
	CameraID   int64     `json:"cameraId"`
	CameraNome string    `json:"cameraNome"`
	EmpresaID  int64     `json:"empresaId"`
	WasOnline  bool      `json:"wasOnline"`
	IsOnline   bool      `json:"isOnline"`
	Timestamp  time.Time `json:"timestamp"`
}

// Listener receives transitions synchronously from the sweep
type Listener interface {
	OnStatusChange(ctx context.Context, event StatusChangeEvent)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, event StatusChangeEvent)

// OnStatusChange calls f
func (f ListenerFunc) OnStatusChange(ctx context.Context, event StatusChangeEvent) {
	f(ctx, event)
}

// Config holds scheduler timing
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns the sweep defaults
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// SweepResult summarises one tick
type SweepResult struct {
	Checked     int           `json:"checked"`
	Online      int           `json:"online"`
	Transitions int           `json:"transitions"`
	Writes      int           `json:"writes"`
	Failures    int           `json:"failures"`
	Duration    time.Duration `json:"durationNs"`
	StartedAt   time.Time     `json:"startedAt"`
}

// Scheduler drives the liveness state machine of every camera.
// Sweeps never overlap, whether fired by the timer or by Tick.
type Scheduler struct {
	store     CameraStore
	prober    Prober
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time

	sweepMu sync.Mutex

	mu           sync.Mutex
	interval     time.Duration
	probeTimeout time.Duration
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	intervalCh   chan time.Duration
	last         *SweepResult
}

// New creates a scheduler. The listener list is fixed for the life of the scheduler.
func New(store CameraStore, prober Prober, cfg Config, listeners ...Listener) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	return &Scheduler{
		store:        store,
		prober:       prober,
		listeners:    append([]Listener(nil), listeners...),
		logger:       slog.Default().With("component", "monitor"),
		now:          time.Now,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Start launches the periodic sweep. The first sweep fires immediately.
// Calling Start while already running does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Debug("Scheduler already running")
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.intervalCh = make(chan time.Duration, 1)

	go s.loop(ctx, s.interval, s.stopCh, s.doneCh, s.intervalCh)

	s.logger.Info("Scheduler started", "interval", s.interval, "probe_timeout", s.probeTimeout)
}

// Stop cancels the timer and waits for an in-flight sweep to finish.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the timer is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetInterval changes the sweep interval. A running timer picks it up at once.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d == s.interval {
		return
	}
	s.interval = d
	if s.running {
		// Keep only the newest value
		select {
		case <-s.intervalCh:
		default:
		}
		s.intervalCh <- d
	}
	s.logger.Info("Sweep interval changed", "interval", d)
}

// SetProbeTimeout changes the per-probe timeout used by later sweeps
func (s *Scheduler) SetProbeTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.probeTimeout = d
	s.mu.Unlock()
}

// LastSweep returns the result of the most recent sweep, if any
func (s *Scheduler) LastSweep() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	res := *s.last
	return &res
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}, intervals <-chan time.Duration) {
	defer close(done)

	// A sweep that has started runs to completion even if ctx is cancelled
	sweepCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runSweep(sweepCtx)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case d := <-intervals:
			ticker.Reset(d)
		case <-ticker.C:
			s.runSweep(sweepCtx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("Sweep failed", "error", err)
	}
}

// Tick runs one sweep: load every camera, probe them concurrently, persist
// changed liveness and notify listeners of transitions.
func (s *Scheduler) Tick(ctx context.Context) (*SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.mu.Lock()
	timeout := s.probeTimeout
	s.mu.Unlock()

	res := &SweepResult{StartedAt: s.now()}

	cameras, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cameras: %w", err)
	}
	res.Checked = len(cameras)

	reachable := s.prober.ProbeAll(ctx, cameras, timeout)

	var writeErrs []error
	for _, cam := range cameras {
		isOnline := reachable[cam.ID]
		if isOnline {
			res.Online++
		}

		if cam.Online != nil && *cam.Online == isOnline {
			continue
		}

		if err := s.store.SetOnline(ctx, cam.ID, isOnline); err != nil {
			res.Failures++
			writeErrs = append(writeErrs, err)
			s.logger.Error("Failed to persist liveness", "camera", cam.ID, "error", err)
			continue
		}
		res.Writes++

		// First observation of an offline camera only records the state
		if cam.Online == nil && !isOnline {
			continue
		}

		event := StatusChangeEvent{
			CameraID:   cam.ID,
			CameraNome: cam.Nome,
			EmpresaID:  cam.EmpresaID,
			WasOnline:  cam.Online != nil && *cam.Online,
			IsOnline:   isOnline,
			Timestamp:  s.now(),
		}
		res.Transitions++
		s.logger.Info("Camera status changed",
			"camera", cam.ID, "nome", cam.Nome, "was_online", event.WasOnline, "is_online", event.IsOnline)
		s.dispatch(ctx, event)
	}

	res.Duration = time.Since(res.StartedAt)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	s.logger.Debug("Sweep complete",
		"checked", res.Checked, "online", res.Online, "transitions", res.Transitions, "duration", res.Duration)

	if len(writeErrs) > 0 {
		return res, fmt.Errorf("%d liveness writes failed: %w", len(writeErrs), errors.Join(writeErrs...))
	}
	return res, nil
}

func (s *Scheduler) dispatch(ctx context.Context, event StatusChangeEvent) {
	for i, l := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Status listener panicked", "listener", i, "camera", event.CameraID, "panic", r)
				}
			}()
			l.OnStatusChange(ctx, event)
		}()
	}
}
