// Package stream supervises one transcoder process per viewed camera
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
)

var (
	// ErrStopped is returned to a pending start when the session is stopped first
	ErrStopped = errors.New("stream stopped during startup")
	// ErrStartTimeout is returned when the transcoder produces no output in time
	ErrStartTimeout = errors.New("stream start timed out")
	// ErrNoSource is returned when a descriptor yields no source URL
	ErrNoSource = errors.New("camera has no stream source")
	// ErrNoSession is returned when a file is requested for a camera without a running session
	ErrNoSession = errors.New("no active stream session")
	// ErrInvalidFile is returned for file names outside the session output
	ErrInvalidFile = errors.New("invalid stream file")
)

// terminateWait bounds how long cleanup waits for a killed process to exit
const terminateWait = 5 * time.Second

// Config holds supervisor settings
type Config struct {
	OutputDir      string
	SegmentSeconds int
	ListSize       int
	StartTimeout   time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
}

// DefaultConfig returns the low-latency defaults
func DefaultConfig(outputDir string) Config {
	return Config{
		OutputDir:      outputDir,
		SegmentSeconds: 2,
		ListSize:       3,
		StartTimeout:   20 * time.Second,
		IdleTimeout:    60 * time.Second,
		ReapInterval:   15 * time.Second,
	}
}

// SessionInfo is a snapshot of a running session
type SessionInfo struct {
	CameraID   int64         `json:"cameraId"`
	SessionID  string        `json:"sessionId"`
	StreamURL  string        `json:"streamUrl"`
	StartedAt  time.Time     `json:"startedAt"`
	LastAccess time.Time     `json:"lastAccess"`
	Pid        int           `json:"pid,omitempty"`
	Stats      *ProcessStats `json:"stats,omitempty"`
}

type session struct {
	cameraID  int64
	id        string
	locator   string
	dir       string
	startedAt time.Time

	// ready is closed once the start attempt resolved; err holds its outcome
	ready chan struct{}
	err   error
	// waiters counts Start calls blocked on ready; guarded by Supervisor.mu
	waiters int

	stopOnce sync.Once
	stopped  chan struct{}

	mu   sync.Mutex
	proc Process

	lastAccess  atomic.Int64
	cleanupOnce sync.Once
}

func (s *session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *session) running() bool {
	select {
	case <-s.ready:
		return s.err == nil
	default:
		return false
	}
}

// Supervisor owns the session table. The table is the single source of
// truth for which cameras are being transcoded.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session

	reaperOnce   sync.Once
	shutdownOnce sync.Once
	reaperStop   chan struct{}
}

// NewSupervisor creates a supervisor writing session output under cfg.OutputDir
func NewSupervisor(cfg Config, spawner Spawner) *Supervisor {
	def := DefaultConfig(cfg.OutputDir)
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = def.SegmentSeconds
	}
	if cfg.ListSize <= 0 {
		cfg.ListSize = def.ListSize
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}

	return &Supervisor{
		cfg:        cfg,
		spawner:    spawner,
		logger:     slog.Default().With("component", "stream-supervisor"),
		now:        time.Now,
		sessions:   make(map[int64]*session),
		reaperStop: make(chan struct{}),
	}
}

// Start returns the locator of the camera's session, launching a transcoder
// if none exists. Concurrent calls for one camera share a single process.
// A caller whose ctx ends gets ctx.Err() back; the launch itself carries on
// for the remaining callers and is abandoned once none is left.
func (s *Supervisor) Start(ctx context.Context, cameraID int64, desc camera.Descriptor) (string, error) {
	source := desc.SourceURL()
	if source == "" {
		return "", ErrNoSource
	}

	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	if !ok {
		sess = &session{
			cameraID:  cameraID,
			id:        uuid.New().String(),
			locator:   Locator(cameraID),
			startedAt: s.now(),
			ready:     make(chan struct{}),
			stopped:   make(chan struct{}),
		}
		sess.dir = filepath.Join(s.cameraDir(cameraID), sess.id)
		sess.lastAccess.Store(sess.startedAt.UnixNano())
		s.sessions[cameraID] = sess
	}
	sess.waiters++
	s.mu.Unlock()

	if !ok {
		// StartTimeout bounds the launch, not the first caller's request
		go s.run(context.WithoutCancel(ctx), sess, Spec{
			CameraID:       cameraID,
			SessionID:      sess.id,
			Source:         source,
			RTSP:           strings.HasPrefix(strings.ToLower(source), "rtsp://"),
			Dir:            sess.dir,
			SegmentSeconds: s.cfg.SegmentSeconds,
			ListSize:       s.cfg.ListSize,
		})
	}

	return s.await(ctx, sess)
}

// await blocks until the session's start resolved or ctx ends
func (s *Supervisor) await(ctx context.Context, sess *session) (string, error) {
	select {
	case <-sess.ready:
		s.leave(sess)
		if sess.err != nil {
			return "", sess.err
		}
		sess.lastAccess.Store(s.now().UnixNano())
		return sess.locator, nil
	case <-ctx.Done():
	}

	if s.leave(sess) == 0 {
		select {
		case <-sess.ready:
		default:
			// Nobody is waiting for this start any more. Unlisting it first
			// makes the next Start launch afresh instead of joining it.
			s.mu.Lock()
			if cur, ok := s.sessions[sess.cameraID]; ok && cur == sess {
				delete(s.sessions, sess.cameraID)
			}
			s.mu.Unlock()
			sess.requestStop()
			s.logger.Info("Stream start abandoned by every caller", "camera", sess.cameraID, "session", sess.id)
		}
	}
	return "", ctx.Err()
}

func (s *Supervisor) leave(sess *session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.waiters--
	return sess.waiters
}

// run launches the transcoder and publishes the outcome to every waiter
func (s *Supervisor) run(ctx context.Context, sess *session, spec Spec) {
	logger := s.logger.With("camera", sess.cameraID, "session", sess.id)
	logger.Info("Starting stream session", "source", camera.RedactURL(spec.Source))

	if err := s.launch(ctx, sess, spec); err != nil {
		sess.err = err
		s.cleanup(sess, "start failed")
		// A Stop that won the race cleaned up before MkdirAll ran
		_ = os.RemoveAll(sess.dir)
		_ = os.Remove(filepath.Dir(sess.dir))
		close(sess.ready)
		logger.Error("Stream session failed to start", "error", err)
		return
	}

	close(sess.ready)
	go s.watch(sess)

	logger.Info("Stream session started", "locator", sess.locator, "pid", sess.process().Pid())
}

func (s *Supervisor) launch(ctx context.Context, sess *session, spec Spec) error {
	if err := os.MkdirAll(sess.dir, 0755); err != nil {
		return fmt.Errorf("failed to create stream directory: %w", err)
	}

	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to spawn transcoder: %w", err)
	}

	sess.mu.Lock()
	sess.proc = proc
	sess.mu.Unlock()

	// A stop that arrived while spawning may have missed the process
	select {
	case <-sess.stopped:
		_ = proc.Terminate()
		return ErrStopped
	default:
	}

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-proc.Ready():
		return nil
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("transcoder exited during startup: %w", err)
		}
		return errors.New("transcoder exited during startup")
	case <-timer.C:
		_ = proc.Terminate()
		return ErrStartTimeout
	case <-sess.stopped:
		_ = proc.Terminate()
		return ErrStopped
	}
}

// watch converges process exit onto the shared cleanup path
func (s *Supervisor) watch(sess *session) {
	proc := sess.process()
	select {
	case <-proc.Done():
		s.logger.Warn("Transcoder exited", "camera", sess.cameraID, "session", sess.id, "error", proc.Err())
		s.cleanup(sess, "process exited")
	case <-sess.stopped:
		// Usually Stop already cleaned up; an abandoned start that became
		// ready at the same moment has not
		s.cleanup(sess, "stopped")
	}
}

// Stop terminates the camera's session and removes its output. It reports
// whether a session existed.
func (s *Supervisor) Stop(cameraID int64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.cleanup(sess, "stopped")
	return true
}

// cleanup runs at most once per session, whichever of stop, process exit,
// idle reap or failed start gets there first
func (s *Supervisor) cleanup(sess *session, reason string) {
	sess.cleanupOnce.Do(func() {
		s.mu.Lock()
		if cur, ok := s.sessions[sess.cameraID]; ok && cur == sess {
			delete(s.sessions, sess.cameraID)
		}
		s.mu.Unlock()

		sess.requestStop()

		logger := s.logger.With("camera", sess.cameraID, "session", sess.id)

		if proc := sess.process(); proc != nil {
			if err := proc.Terminate(); err != nil {
				logger.Warn("Failed to terminate transcoder", "error", err)
			}
			select {
			case <-proc.Done():
			case <-time.After(terminateWait):
				logger.Warn("Transcoder did not exit after kill", "pid", proc.Pid())
			}
		}

		if err := os.RemoveAll(sess.dir); err != nil {
			logger.Warn("Failed to remove stream directory", "dir", sess.dir, "error", err)
		}
		// Drops the camera directory once no session uses it
		_ = os.Remove(filepath.Dir(sess.dir))

		logger.Info("Stream session closed", "reason", reason)
	})
}

// Status returns the locator of a running session, or "" if there is none
func (s *Supervisor) Status(cameraID int64) string {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok || !sess.running() {
		return ""
	}
	return sess.locator
}

// Info returns a snapshot of a running session including process usage
func (s *Supervisor) Info(ctx context.Context, cameraID int64) (*SessionInfo, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok || !sess.running() {
		return nil, false
	}

	info := s.snapshot(sess)
	if info.Pid > 0 {
		stats, err := readProcessStats(ctx, info.Pid)
		if err != nil {
			s.logger.Debug("Failed to read transcoder stats", "camera", cameraID, "error", err)
		}
		info.Stats = stats
	}
	return info, true
}

// Sessions lists every running session ordered by camera id
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	out := []SessionInfo{}
	for _, sess := range list {
		if sess.running() {
			out = append(out, *s.snapshot(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

func (s *Supervisor) snapshot(sess *session) *SessionInfo {
	info := &SessionInfo{
		CameraID:   sess.cameraID,
		SessionID:  sess.id,
		StreamURL:  sess.locator,
		StartedAt:  sess.startedAt,
		LastAccess: time.Unix(0, sess.lastAccess.Load()),
	}
	if proc := sess.process(); proc != nil {
		info.Pid = proc.Pid()
	}
	return info
}

// Touch records viewer activity on a session. It reports whether one is running.
func (s *Supervisor) Touch(cameraID int64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok || !sess.running() {
		return false
	}
	sess.lastAccess.Store(s.now().UnixNano())
	return true
}

// File resolves a playlist or segment name of a running session to a path
// on disk and records the access.
func (s *Supervisor) File(cameraID int64, name string) (string, error) {
	if name != PlaylistName && !isSegmentName(name) {
		return "", ErrInvalidFile
	}

	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	s.mu.Unlock()
	if !ok || !sess.running() {
		return "", ErrNoSession
	}

	sess.lastAccess.Store(s.now().UnixNano())
	return filepath.Join(sess.dir, name), nil
}

func isSegmentName(name string) bool {
	if !strings.HasSuffix(name, ".ts") || name != filepath.Base(name) {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

// StartReaper stops sessions nobody has accessed for the idle timeout.
// A zero idle timeout disables reaping.
func (s *Supervisor) StartReaper(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	s.reaperOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(s.cfg.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.reaperStop:
					return
				case <-ticker.C:
					s.ReapIdle()
				}
			}
		}()
	})
}

// ReapIdle stops every running session idle for longer than the idle timeout
// and returns the camera ids it stopped
func (s *Supervisor) ReapIdle() []int64 {
	if s.cfg.IdleTimeout <= 0 {
		return nil
	}

	cutoff := s.now().Add(-s.cfg.IdleTimeout).UnixNano()

	s.mu.Lock()
	var idle []*session
	for _, sess := range s.sessions {
		if sess.running() && sess.lastAccess.Load() < cutoff {
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()

	reaped := make([]int64, 0, len(idle))
	for _, sess := range idle {
		s.cleanup(sess, "idle")
		reaped = append(reaped, sess.cameraID)
	}
	return reaped
}

// Shutdown stops the reaper and every session
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.reaperStop) })

	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			s.cleanup(sess, "shutdown")
		}(sess)
	}
	wg.Wait()

	s.logger.Info("Stream supervisor shut down", "sessions", len(all))
}

func (s *Supervisor) cameraDir(cameraID int64) string {
	return filepath.Join(s.cfg.OutputDir, strconv.FormatInt(cameraID, 10))
}
