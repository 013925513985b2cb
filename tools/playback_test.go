package tools

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records started clips and lets the test end each one by hand.
type fakeSink struct {
	mu       sync.Mutex
	clips    []PCMClip
	dones    []chan struct{}
	stops    int
	startErr error
}

func (s *fakeSink) Start(clip PCMClip) (<-chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, nil, s.startErr
	}
	done := make(chan struct{})
	s.clips = append(s.clips, clip)
	s.dones = append(s.dones, done)
	var once sync.Once
	stop := func() {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
		once.Do(func() { close(done) })
	}
	return done, stop, nil
}

func (s *fakeSink) finish(i int) {
	s.mu.Lock()
	done := s.dones[i]
	s.mu.Unlock()
	select {
	case <-done:
	default:
		close(done)
	}
}

func (s *fakeSink) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}

type speakingLog struct {
	mu     sync.Mutex
	events []bool
}

func (l *speakingLog) record(speaking bool) {
	l.mu.Lock()
	l.events = append(l.events, speaking)
	l.mu.Unlock()
}

func (l *speakingLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.events...)
}

func newTestPlayback(t *testing.T, sink *fakeSink) (*Playback, *speakingLog) {
	t.Helper()
	p, err := NewPlayback(shared.NewNopLogger(), sink)
	require.NoError(t, err)
	p.decode = func(encoded []byte) (PCMClip, error) {
		return PCMClip{Data: encoded, SampleRate: 44100, Channels: 2}, nil
	}
	log := &speakingLog{}
	require.NoError(t, p.RegisterSpeakingHandler(log.record))
	return p, log
}

func TestPlaybackSpeakingTransitions(t *testing.T) {
	sink := &fakeSink{}
	p, log := newTestPlayback(t, sink)

	require.NoError(t, p.PlayEncoded([]byte("clip")))
	assert.Equal(t, []bool{true}, log.snapshot())

	sink.finish(0)
	assert.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 2 && !events[1]
	}, time.Second, 5*time.Millisecond)
}

func TestPlaybackNewestWins(t *testing.T) {
	sink := &fakeSink{}
	p, log := newTestPlayback(t, sink)

	require.NoError(t, p.PlayEncoded([]byte("one")))
	require.NoError(t, p.PlayEncoded([]byte("two")))

	// Replacement ends the first clip before the second starts.
	assert.Equal(t, []bool{true, false, true}, log.snapshot())
	require.Equal(t, 2, sink.started())
	sink.mu.Lock()
	assert.Equal(t, []byte("one"), sink.clips[0].Data)
	assert.Equal(t, []byte("two"), sink.clips[1].Data)
	stops := sink.stops
	sink.mu.Unlock()
	assert.Equal(t, 1, stops)

	// The replaced clip's done must not produce a second ended event.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, log.snapshot())

	sink.finish(1)
	assert.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 4 && !events[3]
	}, time.Second, 5*time.Millisecond)
}

func TestPlaybackStop(t *testing.T) {
	sink := &fakeSink{}
	p, log := newTestPlayback(t, sink)

	require.NoError(t, p.PlayEncoded([]byte("clip")))
	require.NoError(t, p.Stop())
	assert.Equal(t, []bool{true, false}, log.snapshot())

	// Stop when idle is a no-op.
	require.NoError(t, p.Stop())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, log.snapshot())
}

func TestPlaybackBase64(t *testing.T) {
	sink := &fakeSink{}
	p, _ := newTestPlayback(t, sink)

	payload := []byte("mpeg bytes")
	require.NoError(t, p.PlayBase64(base64.StdEncoding.EncodeToString(payload)))
	require.NoError(t, p.PlayBase64(base64.RawStdEncoding.EncodeToString(payload)))

	require.Equal(t, 2, sink.started())
	sink.mu.Lock()
	assert.Equal(t, payload, sink.clips[0].Data)
	assert.Equal(t, payload, sink.clips[1].Data)
	sink.mu.Unlock()

	err := p.PlayBase64("not!!base64")
	assert.ErrorIs(t, err, shared.ErrPlaybackFailed)
}

func TestPlaybackDecodeFailure(t *testing.T) {
	sink := &fakeSink{}
	p, log := newTestPlayback(t, sink)
	p.decode = func([]byte) (PCMClip, error) {
		return PCMClip{}, errors.New("truncated stream")
	}

	err := p.PlayEncoded([]byte("garbage"))
	assert.ErrorIs(t, err, shared.ErrPlaybackFailed)
	assert.Zero(t, sink.started())
	assert.Empty(t, log.snapshot())
}

func TestPlaybackSinkFailure(t *testing.T) {
	sink := &fakeSink{startErr: errors.New("no output device")}
	p, log := newTestPlayback(t, sink)

	err := p.PlayEncoded([]byte("clip"))
	assert.ErrorIs(t, err, shared.ErrPlaybackFailed)
	assert.Empty(t, log.snapshot())
}

func TestPlaybackHandlerRegistration(t *testing.T) {
	p, err := NewPlayback(shared.NewNopLogger(), &fakeSink{})
	require.NoError(t, err)
	require.NoError(t, p.RegisterSpeakingHandler(func(bool) {}))
	assert.ErrorIs(t, p.RegisterSpeakingHandler(func(bool) {}), shared.ErrHandlerAlreadySet)
}

func TestDecodeMP3Garbage(t *testing.T) {
	_, err := DecodeMP3([]byte("definitely not mpeg audio"))
	assert.Error(t, err)
}
