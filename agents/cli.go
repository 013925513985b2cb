package agents

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	pkg "github.com/carebridge-ai/avatarkit"
	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/carebridge-ai/avatarkit/tools"
	"go.uber.org/zap"
)

// avatarWait caps how long the agent waits for the avatar before starting
// the conversation in whatever mode it reached.
const avatarWait = 30 * time.Second

// CLIAgent runs a full conversation session from the terminal: push-to-talk
// microphone capture, spoken replies, and a transcript rendered through the
// printer. Avatar video is negotiated but not rendered; the agent only
// reports its status.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	orch    *pkg.Orchestrator

	mu sync.Mutex
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *pkg.Config,
	greeting string,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.logger = logger
	a.printer = printer
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🤖 Spawning session agent...\n", 0); err != nil {
		a.logger.Error("printing spawn message", err)
	}

	channel, err := pkg.NewControlChannel(logger, cfg.BackendURL)
	if err != nil {
		a.logger.Error("creating control channel", err)
		return nil, err
	}
	provider, err := pkg.NewProvider(logger, cfg.ProviderURL)
	if err != nil {
		a.logger.Error("creating provider client", err)
		return nil, err
	}
	negotiator, err := pkg.NewNegotiator(logger, provider, pkg.NewRTPSurface(), cfg.Bounds())
	if err != nil {
		a.logger.Error("creating media negotiator", err)
		return nil, err
	}
	playback, err := tools.NewPlayback(logger, nil)
	if err != nil {
		a.logger.Error("creating playback controller", err)
		return nil, err
	}
	orch, err := pkg.NewOrchestrator(logger, channel, negotiator, playback)
	if err != nil {
		a.logger.Error("creating orchestrator", err)
		return nil, err
	}
	a.orch = orch

	capture, err := tools.NewCapture(logger, tools.MicrophoneOpener(), func(u tools.Utterance) {
		if err := orch.SendUtterance(u.Data); err != nil {
			a.logger.Error("sending utterance", err)
			_ = a.printer.Writeln("❌ Could not send your audio. Check the connection.", 0)
		}
	})
	if err != nil {
		a.logger.Error("creating capture controller", err)
		return nil, err
	}
	if err := orch.AttachRecorder(capture); err != nil {
		return nil, err
	}

	if err := orch.RegisterTurnHandler(func(turn pkg.ConversationTurn) {
		label := "🧑 You"
		if turn.Speaker == pkg.SpeakerAssistant {
			label = "🩺 Doctor"
		}
		if err := a.printer.Turn(label, turn.Text); err != nil {
			a.logger.Error("printing turn", err)
		}
	}); err != nil {
		return nil, err
	}
	if err := orch.RegisterStatusHandler(func(status pkg.AvatarStatus) {
		line := "🎭 Avatar: " + string(status)
		if status == pkg.AvatarStatusError {
			line = "🎭 Avatar unavailable, continuing in audio-only mode"
		}
		if err := a.printer.Writeln(line, 0); err != nil {
			a.logger.Error("printing avatar status", err)
		}
	}); err != nil {
		return nil, err
	}
	if err := orch.RegisterErrorHandler(func(err error) {
		_ = a.printer.Writeln("❌ Connection to the server was lost.", 0)
	}); err != nil {
		return nil, err
	}

	if err := orch.Start(ctx); err != nil {
		a.logger.Error("connecting control channel", err)
		if err := a.printer.Writeln("❌ Unable to reach the conversation server.", 0); err != nil {
			a.logger.Error("printing connect failure", err)
		}
		return nil, err
	}
	if err := a.printer.Writeln("✅ Connected. Session "+orch.SessionID()+"\n", 0); err != nil {
		a.logger.Error("printing connect success", err)
	}
	if err := orch.StartAvatar(ctx); err != nil {
		a.logger.Error("starting avatar negotiation", err)
	}

	done := make(chan struct{})
	go a.runConversation(ctx, greeting, done)
	go a.readInput(ctx)
	return done, nil
}

func (a *CLIAgent) runConversation(ctx context.Context, greeting string, done chan struct{}) {
	defer close(done)
	deadline := time.Now().Add(avatarWait)
	for a.orch.Status() == pkg.AvatarStatusConnecting || a.orch.Status() == pkg.AvatarStatusInitializing {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	if greeting != "" {
		if err := a.orch.StartConversation(greeting); err != nil {
			a.logger.Error("starting conversation", err)
		}
	}
	if err := a.printer.Writeln("🎤 Press Enter to talk, Enter again to send. Ctrl+C quits.\n", 0); err != nil {
		a.logger.Error("printing usage", err)
	}
	<-ctx.Done()
}

// readInput treats an empty line as the push-to-talk toggle.
func (a *CLIAgent) readInput(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if strings.TrimSpace(scanner.Text()) != "" {
			continue
		}
		a.mu.Lock()
		if err := a.orch.StartListening(); err != nil {
			if errors.Is(err, shared.ErrAlreadyCapturing) {
				if err := a.orch.StopListening(); err != nil {
					a.logger.Error("stopping capture", err)
				} else {
					_ = a.printer.Writeln("⏹  Sent.", 0)
				}
			} else if errors.Is(err, shared.ErrDeviceUnavailable) {
				_ = a.printer.Writeln("❌ Please allow microphone access to speak with the doctor.", 0)
			} else {
				a.logger.Error("starting capture", err)
			}
		} else {
			_ = a.printer.Writeln("🔴 Listening...", 0)
		}
		a.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading stdin", err)
	}
}

func (a *CLIAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.orch == nil {
		return nil
	}
	a.logger.Info("closing CLI agent", zap.String("sessionID", a.orch.SessionID()))
	return a.orch.Close()
}
