package tools

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"go.uber.org/zap"
)

// PCMClip is decoded audio ready for a sink: signed 16-bit little-endian.
type PCMClip struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Decoder turns an encoded clip into PCM. The default decodes MPEG audio,
// which is what the backend's speech synthesis returns.
type Decoder func(encoded []byte) (PCMClip, error)

// PCMSink plays one clip. done fires on natural completion or after stop;
// stop halts playback early and is safe to call more than once.
type PCMSink interface {
	Start(clip PCMClip) (done <-chan struct{}, stop func(), err error)
}

// Playback decodes and plays inbound assistant audio. A new clip replaces
// whatever is playing: newest message wins, nothing is queued. Speaking
// transitions follow the playback lifecycle only.
type Playback struct {
	logger shared.LoggerAdapter
	decode Decoder
	sink   PCMSink

	mu       sync.Mutex
	speaking func(bool)
	gen      int
	stop     func()
}

func NewPlayback(logger shared.LoggerAdapter, sink PCMSink) (*Playback, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sink == nil {
		sink = &otoSink{logger: logger}
	}
	return &Playback{
		logger: logger,
		decode: DecodeMP3,
		sink:   sink,
	}, nil
}

// RegisterSpeakingHandler sets the observer for speakingStarted (true) and
// speakingEnded (false) transitions.
func (p *Playback) RegisterSpeakingHandler(handler func(speaking bool)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speaking != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	p.speaking = handler
	return nil
}

// PlayEncoded decodes and plays one binary clip, replacing any current
// playback. Failures are non-fatal to the session; the caller only logs.
func (p *Playback) PlayEncoded(encoded []byte) error {
	clip, err := p.decode(encoded)
	if err != nil {
		return fmt.Errorf("%w: decoding clip: %v", shared.ErrPlaybackFailed, err)
	}
	return p.play(clip)
}

// PlayBase64 normalizes a base64-encoded clip and plays it.
func (p *Playback) PlayBase64(encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return fmt.Errorf("%w: decoding base64 audio: %v", shared.ErrPlaybackFailed, err)
	}
	return p.PlayEncoded(data)
}

func (p *Playback) play(clip PCMClip) error {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	if p.stop != nil {
		p.stop()
		p.stop = nil
		p.notifyLocked(false)
	}
	done, stop, err := p.sink.Start(clip)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: starting sink: %v", shared.ErrPlaybackFailed, err)
	}
	p.stop = stop
	p.notifyLocked(true)
	p.mu.Unlock()

	go func() {
		<-done
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			// Replaced by a newer clip; its ended event was already sent.
			return
		}
		p.stop = nil
		p.notifyLocked(false)
	}()
	return nil
}

// Stop halts the current playback, if any, emitting speakingEnded.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return nil
	}
	p.gen++
	p.stop()
	p.stop = nil
	p.notifyLocked(false)
	return nil
}

// notifyLocked delivers speaking transitions in order. Handlers must not
// call back into Playback.
func (p *Playback) notifyLocked(speaking bool) {
	if p.speaking != nil {
		p.speaking(speaking)
	}
}

// DecodeMP3 is the default decoder. go-mp3 always yields 16-bit stereo at
// the stream's native rate.
func DecodeMP3(encoded []byte) (PCMClip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(encoded))
	if err != nil {
		return PCMClip{}, fmt.Errorf("creating mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return PCMClip{}, fmt.Errorf("decoding mp3: %w", err)
	}
	return PCMClip{
		Data:       pcm,
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}

// otoSink writes PCM to the default output device. One oto context serves
// the process; it is created with the first clip's parameters, which all
// backend speech shares.
type otoSink struct {
	logger shared.LoggerAdapter

	mu   sync.Mutex
	ctx  *oto.Context
	rate int
	ch   int
}

func (s *otoSink) context(clip PCMClip) (*oto.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   clip.SampleRate,
		ChannelCount: clip.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio context: %w", err)
	}
	<-ready
	s.ctx = ctx
	s.rate = clip.SampleRate
	s.ch = clip.Channels
	return ctx, nil
}

func (s *otoSink) Start(clip PCMClip) (<-chan struct{}, func(), error) {
	if len(clip.Data) == 0 {
		return nil, nil, errors.New("empty clip")
	}
	ctx, err := s.context(clip)
	if err != nil {
		return nil, nil, err
	}
	player := ctx.NewPlayer(bytes.NewReader(clip.Data))
	player.Play()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			player.Pause()
			if err := player.Close(); err != nil && s.logger != nil {
				s.logger.Debug("closing player", zap.Error(err))
			}
		})
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if !player.IsPlaying() {
				stop()
				return
			}
		}
	}()
	return done, stop, nil
}
