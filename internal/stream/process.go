package stream

import (
	"context"
	"fmt"
	"path/filepath"
)

// PlaylistName is the file every session writes its HLS playlist to
const PlaylistName = "playlist.m3u8"

// Spec describes one transcoder launch
type Spec struct {
	CameraID       int64
	SessionID      string
	Source         string
	RTSP           bool
	Dir            string
	SegmentSeconds int
	ListSize       int
}

// Playlist returns the absolute playlist path inside Dir
func (s Spec) Playlist() string {
	return filepath.Join(s.Dir, PlaylistName)
}

// Process is a running transcoder. The supervisor only needs to know when it
// is producing output, when it ends and how to kill it.
type Process interface {
	Pid() int
	// Ready is closed once the process has produced its first output
	Ready() <-chan struct{}
	// Done is closed when the process has exited
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed
	Err() error
	Terminate() error
}

// Spawner starts transcoder processes. The ctx bounds only the launch; the
// process outlives it.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// SpawnerFunc adapts a function to Spawner
type SpawnerFunc func(ctx context.Context, spec Spec) (Process, error)

// Spawn calls f
func (f SpawnerFunc) Spawn(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}

// Locator returns the path viewers use to fetch the playlist of a camera
func Locator(cameraID int64) string {
	return fmt.Sprintf("/api/stream/%d/%s", cameraID, PlaylistName)
}
