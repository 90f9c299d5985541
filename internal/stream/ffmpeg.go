package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
)

const stderrTailLines = 20

// FFmpegSpawner launches ffmpeg to repackage a camera feed into HLS
type FFmpegSpawner struct {
	path   string
	logger *slog.Logger
}

// NewFFmpegSpawner creates a spawner for the given ffmpeg binary
func NewFFmpegSpawner(path string) *FFmpegSpawner {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegSpawner{
		path:   path,
		logger: slog.Default().With("component", "ffmpeg"),
	}
}

// BuildArgs returns the ffmpeg command line for a session. The playlist path
// is always the last argument.
func BuildArgs(spec Spec) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}

	if spec.RTSP {
		args = append(args, "-rtsp_transport", "tcp")
	}

	args = append(args,
		"-i", spec.Source,
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(spec.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(spec.ListSize),
		"-hls_flags", "delete_segments+append_list+omit_endlist",
		"-hls_segment_filename", filepath.Join(spec.Dir, "segment_%05d.ts"),
		spec.Playlist(),
	)
	return args
}

// Spawn starts ffmpeg. Readiness is signalled when the playlist file appears.
func (f *FFmpegSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(spec.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", spec.Dir, err)
	}

	logger := f.logger.With("camera", spec.CameraID, "session", spec.SessionID)
	tail := &tailWriter{logger: logger, max: stderrTailLines}

	// Not CommandContext: the process must outlive the request that started it
	cmd := exec.Command(f.path, BuildArgs(spec)...)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &ffmpegProcess{
		cmd:   cmd,
		tail:  tail,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	go p.wait()
	go p.watchPlaylist(watcher, spec.Playlist())

	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "source", camera.RedactURL(spec.Source))
	return p, nil
}

type ffmpegProcess struct {
	cmd       *exec.Cmd
	tail      *tailWriter
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

func (p *ffmpegProcess) Pid() int               { return p.cmd.Process.Pid }
func (p *ffmpegProcess) Ready() <-chan struct{} { return p.ready }
func (p *ffmpegProcess) Done() <-chan struct{}  { return p.done }

func (p *ffmpegProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate kills the process outright
func (p *ffmpegProcess) Terminate() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		if tail := p.tail.String(); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
	} else {
		err = errors.New("ffmpeg exited")
	}
	p.err = err
	close(p.done)
}

func (p *ffmpegProcess) watchPlaylist(watcher *fsnotify.Watcher, playlist string) {
	defer watcher.Close()

	markReady := func() { p.readyOnce.Do(func() { close(p.ready) }) }

	// The file may already exist if ffmpeg was quicker than the watcher loop
	if _, err := os.Stat(playlist); err == nil {
		markReady()
		return
	}

	for {
		select {
		case <-p.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(playlist) &&
				event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				markReady()
				return
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// tailWriter forwards ffmpeg stderr to the logger and keeps the last lines
// for error reporting
type tailWriter struct {
	logger  *slog.Logger
	max     int
	mu      sync.Mutex
	lines   []string
	partial string
}

func (w *tailWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := w.partial + string(b)
	parts := strings.Split(data, "\n")
	w.partial = parts[len(parts)-1]

	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		w.logger.Debug(line)
		w.lines = append(w.lines, line)
		if len(w.lines) > w.max {
			w.lines = w.lines[len(w.lines)-w.max:]
		}
	}
	return len(b), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := w.lines
	if p := strings.TrimSpace(w.partial); p != "" {
		lines = append(append([]string(nil), lines...), p)
	}
	return strings.Join(lines, "; ")
}
