package avatarkit

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// VideoSurface is where the negotiated avatar video lands. The negotiator
// owns attachment and lifecycle; a view layer may read from the surface but
// never creates or closes the underlying stream.
//
// Ready must report true only once the surface has decoded at least one
// frame with non-zero dimensions. Play starts rendering; it may be called
// best-effort before Ready reports true.
type VideoSurface interface {
	Attach(track *webrtc.TrackRemote)
	Ready() bool
	Play() error
}

// RTPSurface is the default surface: it drains RTP from the attached track
// and counts completed frames via the marker bit. Consumers that actually
// render (a GUI, a transcoder) supply their own VideoSurface instead.
type RTPSurface struct {
	mu      sync.Mutex
	track   *webrtc.TrackRemote
	frames  int
	playing bool
}

var _ VideoSurface = (*RTPSurface)(nil)

func NewRTPSurface() *RTPSurface {
	return &RTPSurface{}
}

// Attach retains the track and starts draining it. The retained handle
// survives consumer reconstruction; re-attaching the same track is a no-op.
func (s *RTPSurface) Attach(track *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == track {
		return
	}
	s.track = track
	go s.drain(track)
}

func (s *RTPSurface) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if pkt.Marker {
			s.mu.Lock()
			s.frames++
			s.mu.Unlock()
		}
	}
}

func (s *RTPSurface) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames > 0
}

func (s *RTPSurface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return errors.New("no track attached")
	}
	s.playing = true
	return nil
}

// Track exposes the retained stream handle for read-only consumers.
func (s *RTPSurface) Track() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Frames reports how many complete frames have arrived.
func (s *RTPSurface) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
