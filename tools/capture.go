package tools

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Utterance is one finalized capture: the buffered audio from Start to Stop
// as a single immutable blob.
type Utterance struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// CaptureSource yields encoded audio chunks from an acquired input device.
// Close releases the device and unblocks a pending Read.
type CaptureSource interface {
	Read() (chunk []byte, release func(), err error)
	Close() error
}

// SourceOpener acquires a capture source. It returns the source and the MIME
// type of its chunks, or shared.ErrDeviceUnavailable when no device can be
// had.
type SourceOpener func() (CaptureSource, string, error)

type UtteranceHandler func(u Utterance)

// Capture buffers microphone input into a discrete utterance. One capture at
// a time; Stop emits the utterance exactly once and releases the device.
type Capture struct {
	logger shared.LoggerAdapter
	open   SourceOpener
	emit   UtteranceHandler

	mu       sync.Mutex
	active   bool
	src      CaptureSource
	mimeType string
	buf      bytes.Buffer
	started  time.Time
	done     chan struct{}
}

func NewCapture(logger shared.LoggerAdapter, open SourceOpener, emit UtteranceHandler) (*Capture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if open == nil {
		return nil, errors.New("source opener is required")
	}
	if emit == nil {
		return nil, errors.New("utterance handler is required")
	}
	return &Capture{
		logger: logger,
		open:   open,
		emit:   emit,
	}, nil
}

// Start acquires the input device and begins buffering. Fails with
// shared.ErrAlreadyCapturing while a capture is active and with
// shared.ErrDeviceUnavailable when acquisition fails; device failures are
// for the user to act on, not retried here.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return shared.ErrAlreadyCapturing
	}
	src, mimeType, err := c.open()
	if err != nil {
		if errors.Is(err, shared.ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}
	c.active = true
	c.src = src
	c.mimeType = mimeType
	c.buf.Reset()
	c.started = time.Now()
	c.done = make(chan struct{})
	go c.record(src, c.done)
	c.logger.Info("capture started", zap.String("mimeType", mimeType))
	return nil
}

func (c *Capture) record(src CaptureSource, done chan struct{}) {
	defer close(done)
	for {
		chunk, release, err := src.Read()
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("reading capture source", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		c.buf.Write(chunk)
		c.mu.Unlock()
		if release != nil {
			release()
		}
	}
}

// Stop finalizes the buffer into one Utterance, emits it exactly once, and
// releases the device. Stopping when not capturing is a no-op.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	src := c.src
	done := c.done
	c.mu.Unlock()

	// Closing the source unblocks the record loop.
	if err := src.Close(); err != nil {
		c.logger.Debug("closing capture source", zap.Error(err))
	}
	<-done

	c.mu.Lock()
	// A concurrent Stop may have finalized this capture already.
	if !c.active || c.src != src {
		c.mu.Unlock()
		return nil
	}
	utterance := Utterance{
		Data:     append([]byte(nil), c.buf.Bytes()...),
		MimeType: c.mimeType,
		Duration: time.Since(c.started),
	}
	c.buf.Reset()
	c.active = false
	c.src = nil
	c.done = nil
	c.mu.Unlock()

	c.logger.Info(
		"capture stopped",
		zap.Int("bytes", len(utterance.Data)),
		zap.Duration("duration", utterance.Duration),
	)
	c.emit(utterance)
	return nil
}

func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type micSource struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
}

func (m *micSource) Read() (chunk []byte, release func(), err error) {
	buf, release, err := m.reader.Read()
	if err != nil {
		return nil, release, err
	}
	return buf.Data, release, nil
}

func (m *micSource) Close() error {
	if err := m.reader.Close(); err != nil {
		_ = m.track.Close()
		return err
	}
	return m.track.Close()
}

// MicrophoneOpener acquires the default microphone through mediadevices and
// yields Opus-encoded chunks.
func MicrophoneOpener() SourceOpener {
	return func() (CaptureSource, string, error) {
		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, "", fmt.Errorf("creating opus params: %w", err)
		}
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
			},
			Codec: mediadevices.NewCodecSelector(
				mediadevices.WithAudioEncoders(&opusParams),
			),
		})
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
		}
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, "", fmt.Errorf("%w: no audio track in stream", shared.ErrDeviceUnavailable)
		}
		track := tracks[0]
		reader, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
		if err != nil {
			_ = track.Close()
			return nil, "", fmt.Errorf("creating encoded reader: %w", err)
		}
		return &micSource{track: track, reader: reader}, webrtc.MimeTypeOpus, nil
	}
}
