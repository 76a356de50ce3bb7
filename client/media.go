package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Constraints describes the local capture request.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// Capture acquires the local media stream. Implementations wrap whatever
// capture backend is available (a camera, a file, a synthetic source).
// Acquisition failure aborts the join flow; it is never retried here.
type Capture func(ctx context.Context, c Constraints) (*LocalStream, error)

// LocalStream is the local peer's captured media, shared read-only by
// every peer connection fan-out. Stop is exactly-once.
type LocalStream struct {
	tracks []webrtc.TrackLocal

	micOn atomic.Bool
	camOn atomic.Bool

	stop     func()
	stopOnce sync.Once
}

// NewLocalStream wraps captured tracks. stop, if non-nil, releases the
// underlying capture device and runs at most once.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	s := &LocalStream{tracks: tracks, stop: stop}
	s.micOn.Store(true)
	s.camOn.Store(true)
	return s
}

// Tracks returns the local tracks to attach to a peer connection.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// SetMicEnabled flips the audio enabled flag. A presentation toggle;
// connection state machines are unaffected and nothing is renegotiated.
func (s *LocalStream) SetMicEnabled(on bool) { s.micOn.Store(on) }

// MicEnabled reports the audio enabled flag.
func (s *LocalStream) MicEnabled() bool { return s.micOn.Load() }

// SetCameraEnabled flips the video enabled flag.
func (s *LocalStream) SetCameraEnabled(on bool) { s.camOn.Store(on) }

// CameraEnabled reports the video enabled flag.
func (s *LocalStream) CameraEnabled() bool { return s.camOn.Load() }

// Stop releases the capture backend. Safe to call more than once; only
// the first call has any effect.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// SinkRegistry receives remote media as it arrives, one sink per remote
// peer. The presentation layer implements this; a headless participant
// can discard the tracks.
type SinkRegistry interface {
	// AddTrack hands a newly arrived remote track to the sink for the
	// given peer.
	AddTrack(peerID string, track *webrtc.TrackRemote)

	// Release drops the sink for the given peer.
	Release(peerID string)
}

// DiscardSinks is a SinkRegistry that drains and drops all remote media.
type DiscardSinks struct{}

func (DiscardSinks) AddTrack(peerID string, track *webrtc.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (DiscardSinks) Release(peerID string) {}
