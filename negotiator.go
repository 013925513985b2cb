package avatarkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type NegotiatorState int

const (
	NegotiatorStateIdle NegotiatorState = iota
	NegotiatorStateRequesting
	NegotiatorStateNegotiating
	NegotiatorStateAwaitingTrack
	NegotiatorStateConnected
	NegotiatorStateFailed
	NegotiatorStateClosed
)

func (s NegotiatorState) String() string {
	switch s {
	case NegotiatorStateIdle:
		return "idle"
	case NegotiatorStateRequesting:
		return "requesting"
	case NegotiatorStateNegotiating:
		return "negotiating"
	case NegotiatorStateAwaitingTrack:
		return "awaiting_track"
	case NegotiatorStateConnected:
		return "connected"
	case NegotiatorStateFailed:
		return "failed"
	case NegotiatorStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NegotiationBounds caps every asynchronous step of the handshake so the
// negotiator can always fail instead of hanging.
type NegotiationBounds struct {
	GatherTimeout time.Duration // ICE candidate gathering hard cap
	TrackTimeout  time.Duration // overall wait for the inbound video track
	ReadyAttempts int           // surface readiness checks
	ReadyInterval time.Duration // spacing between readiness checks
	FailureGrace  time.Duration // allowance for the peer connection to self-recover
	STUNServer    string        // fallback when the provider supplies no ICE servers
}

func DefaultNegotiationBounds() NegotiationBounds {
	return NegotiationBounds{
		GatherTimeout: time.Second,
		TrackTimeout:  15 * time.Second,
		ReadyAttempts: 50,
		ReadyInterval: 100 * time.Millisecond,
		FailureGrace:  2 * time.Second,
		STUNServer:    "stun:stun.l.google.com:19302",
	}
}

type NegotiatorStateHandler func(state NegotiatorState, reason error)

// Negotiator establishes the peer media session with the avatar provider.
// Steps run strictly in sequence; each has its own failure path. Run may be
// called once per Negotiator.
type Negotiator struct {
	logger   shared.LoggerAdapter
	provider SessionProvider
	surface  VideoSurface
	bounds   NegotiationBounds

	mu                sync.Mutex
	state             NegotiatorState
	pc                *webrtc.PeerConnection
	providerSessionID string
	track             *webrtc.TrackRemote
	sh                NegotiatorStateHandler
	started           bool

	trackArrived chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewNegotiator(logger shared.LoggerAdapter, provider SessionProvider, surface VideoSurface, bounds NegotiationBounds) (*Negotiator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if surface == nil {
		return nil, errors.New("video surface is required")
	}
	if bounds.GatherTimeout <= 0 || bounds.TrackTimeout <= 0 ||
		bounds.ReadyAttempts <= 0 || bounds.ReadyInterval <= 0 {
		return nil, errors.New("negotiation bounds must be positive")
	}
	return &Negotiator{
		logger:       logger,
		provider:     provider,
		surface:      surface,
		bounds:       bounds,
		state:        NegotiatorStateIdle,
		trackArrived: make(chan struct{}),
	}, nil
}

// RegisterStateHandler sets the observer for state transitions. Must be set
// before Run; the orchestrator derives AvatarStatus from it.
func (n *Negotiator) RegisterStateHandler(handler NegotiatorStateHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("negotiation already running")
	}
	if n.sh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	n.sh = handler
	return nil
}

func (n *Negotiator) State() NegotiatorState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Track returns the retained inbound video track, if any. Read-only for
// consumers; only the negotiator replaces or releases it.
func (n *Negotiator) Track() *webrtc.TrackRemote {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.track
}

// Run performs the full handshake: create-session, offer/answer exchange
// with a bounded ICE gathering wait, start-session, then a bounded wait for
// the inbound video track and its render readiness. On any failure the
// negotiator lands in the failed state and the error is returned.
func (n *Negotiator) Run(ctx context.Context, userSessionID string) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return shared.ErrNegotiationActive
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancelCause(ctx)
	n.mu.Unlock()

	if err := n.run(userSessionID); err != nil {
		n.fail(err)
		return err
	}
	return nil
}

func (n *Negotiator) run(userSessionID string) error {
	ctx := n.ctx
	n.setState(NegotiatorStateRequesting)
	sess, err := n.provider.CreateSession(ctx)
	if err != nil {
		return negotiationErr(StageRequest, "provider session request failed", err)
	}

	n.setState(NegotiatorStateNegotiating)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: n.iceServers(sess.ICEServers),
	})
	if err != nil {
		return negotiationErr(StageNegotiate, "creating peer connection", err)
	}
	n.mu.Lock()
	// Close may have run while the provider call was in flight; the peer
	// connection must not outlive it.
	if n.state == NegotiatorStateClosed {
		n.mu.Unlock()
		_ = pc.Close()
		return negotiationErr(StageNegotiate, "negotiator closed", nil)
	}
	n.pc = pc
	n.providerSessionID = sess.SessionID
	n.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			n.logger.Debug("ignoring non-video track", zap.String("kind", track.Kind().String()))
			return
		}
		n.mu.Lock()
		if n.track != nil {
			n.mu.Unlock()
			n.logger.Warn("duplicate video track, keeping first")
			return
		}
		n.track = track
		n.mu.Unlock()
		n.surface.Attach(track)
		close(n.trackArrived)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateDisconnected:
			n.logger.Warn("peer connection disconnected, waiting for recovery")
		case webrtc.PeerConnectionStateFailed:
			// Sometimes the connection recovers on its own. Recheck after
			// the grace period before declaring failure.
			time.AfterFunc(n.bounds.FailureGrace, func() {
				if pc.ConnectionState() == webrtc.PeerConnectionStateFailed {
					n.fail(negotiationErr(StageTransport, "peer connection failed", nil))
				}
			})
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sess.SDP,
	}); err != nil {
		return negotiationErr(StageNegotiate, "applying remote offer", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return negotiationErr(StageNegotiate, "creating answer", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return negotiationErr(StageNegotiate, "applying local answer", err)
	}
	// Candidate gathering may stall; send whatever gathered within the cap.
	if !waitOrTimeout(ctx, gatherDone, n.bounds.GatherTimeout) {
		n.logger.Warn(
			"ICE gathering incomplete, sending best-effort answer",
			zap.Duration("cap", n.bounds.GatherTimeout),
		)
	}
	if err := ctx.Err(); err != nil {
		return negotiationErr(StageNegotiate, "negotiation cancelled", err)
	}

	local := pc.LocalDescription()
	if local == nil {
		return negotiationErr(StageNegotiate, "no local description", nil)
	}
	if err := n.provider.StartSession(ctx, sess.SessionID, local.SDP, userSessionID); err != nil {
		return negotiationErr(StageStart, "provider start failed", err)
	}

	n.setState(NegotiatorStateAwaitingTrack)
	if !waitOrTimeout(ctx, n.trackArrived, n.bounds.TrackTimeout) {
		if err := ctx.Err(); err != nil {
			return negotiationErr(StageTrack, "negotiation cancelled", err)
		}
		return negotiationErr(StageTrack, "no media track", nil)
	}

	if err := n.awaitRenderable(ctx); err != nil {
		return err
	}
	n.setState(NegotiatorStateConnected)
	n.logger.Info("avatar media connected", zap.String("providerSessionID", sess.SessionID))
	return nil
}

// awaitRenderable polls the surface until it has decoded a first frame with
// real dimensions. If the bound is spent, one best-effort play is attempted
// anyway before giving up.
func (n *Negotiator) awaitRenderable(ctx context.Context) error {
	if pollUntil(ctx, n.bounds.ReadyInterval, n.bounds.ReadyAttempts, n.surface.Ready) {
		if err := n.surface.Play(); err != nil {
			return negotiationErr(StageRender, "starting playback", err)
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		return negotiationErr(StageRender, "negotiation cancelled", err)
	}
	n.logger.Warn("video surface never became ready, attempting playback anyway")
	if err := n.surface.Play(); err != nil {
		return negotiationErr(StageRender, "video stream failed to load", err)
	}
	return nil
}

func (n *Negotiator) iceServers(servers []ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{n.bounds.STUNServer}}}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(out) == 0 {
		return []webrtc.ICEServer{{URLs: []string{n.bounds.STUNServer}}}
	}
	return out
}

func (n *Negotiator) setState(state NegotiatorState) {
	n.mu.Lock()
	if n.state == NegotiatorStateClosed || n.state == NegotiatorStateFailed {
		n.mu.Unlock()
		return
	}
	prev := n.state
	n.state = state
	handler := n.sh
	n.mu.Unlock()
	n.logger.Debug(
		"negotiator state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	if handler != nil {
		handler(state, nil)
	}
}

func (n *Negotiator) fail(err error) {
	n.mu.Lock()
	if n.state == NegotiatorStateClosed || n.state == NegotiatorStateFailed ||
		n.state == NegotiatorStateIdle {
		n.mu.Unlock()
		return
	}
	n.state = NegotiatorStateFailed
	handler := n.sh
	if n.cancel != nil {
		n.cancel(err)
	}
	n.mu.Unlock()
	n.logger.Error("media negotiation failed", err)
	if handler != nil {
		handler(NegotiatorStateFailed, err)
	}
}

// Close tears the media session down from any state and releases the peer
// connection. Cancellation of in-flight steps is best-effort: results of
// outstanding provider calls are discarded, not aborted.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == NegotiatorStateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = NegotiatorStateClosed
	pc := n.pc
	n.pc = nil
	n.track = nil
	if n.cancel != nil {
		n.cancel(errors.New("negotiator closed"))
		n.cancel = nil
	}
	handler := n.sh
	n.mu.Unlock()
	if handler != nil {
		handler(NegotiatorStateClosed, nil)
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("closing peer connection: %w", err)
		}
	}
	return nil
}
