package avatarkit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// SessionProvider is the boundary to the avatar-rendering service. The
// default implementation talks to the backend's provider proxy over HTTP.
type SessionProvider interface {
	CreateSession(ctx context.Context) (*ProviderSession, error)
	StartSession(ctx context.Context, providerSessionID, sdpAnswer, userSessionID string) error
}

// ProviderSession is the create-session response: the provider's SDP offer
// plus the ICE servers to negotiate with.
type ProviderSession struct {
	Success    bool        `json:"success"`
	SessionID  string      `json:"session_id"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"ice_servers"`
	Error      string      `json:"error"`
}

// ICEServer mirrors the RTCIceServer shape. Some providers send urls as a
// single string instead of an array.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       any    `json:"urls"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	switch v := raw.URLs.(type) {
	case string:
		s.URLs = []string{v}
	case []any:
		for _, u := range v {
			if str, ok := u.(string); ok {
				s.URLs = append(s.URLs, str)
			}
		}
	}
	return nil
}

type startSessionRequest struct {
	SessionID     string `json:"session_id"`
	SDPAnswer     string `json:"sdp_answer"`
	UserSessionID string `json:"user_session_id"`
}

// Provider calls the avatar provider endpoints via fasthttp.
type Provider struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
}

var _ SessionProvider = (*Provider)(nil)

func NewProvider(logger shared.LoggerAdapter, baseURL string) (*Provider, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider URL: %w", err)
	}
	return &Provider{logger: logger, baseURL: u}, nil
}

func (p *Provider) CreateSession(ctx context.Context) (*ProviderSession, error) {
	status, body, err := p.post(ctx, "create-session", nil)
	if err != nil {
		return nil, fmt.Errorf("create-session request: %w", err)
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("create-session status %d: %s", status, string(body))
	}
	sess := new(ProviderSession)
	if err := sonic.Unmarshal(body, sess); err != nil {
		return nil, fmt.Errorf("unmarshaling create-session response: %w", err)
	}
	if !sess.Success {
		reason := sess.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return nil, fmt.Errorf("create-session rejected: %s", reason)
	}
	p.logger.Info(
		"provider session created",
		zap.String("providerSessionID", sess.SessionID),
		zap.Int("iceServers", len(sess.ICEServers)),
	)
	return sess, nil
}

func (p *Provider) StartSession(ctx context.Context, providerSessionID, sdpAnswer, userSessionID string) error {
	payload, err := sonic.Marshal(startSessionRequest{
		SessionID:     providerSessionID,
		SDPAnswer:     sdpAnswer,
		UserSessionID: userSessionID,
	})
	if err != nil {
		return fmt.Errorf("marshaling start-session request: %w", err)
	}
	status, body, err := p.post(ctx, "start-session", payload)
	if err != nil {
		return fmt.Errorf("start-session request: %w", err)
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("start-session status %d: %s", status, string(body))
	}
	return nil
}

func (p *Provider) post(ctx context.Context, path string, payload []byte) (status int, body []byte, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if payload != nil {
		req.SetBody(payload)
	}

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// The request itself is not aborted, only its result discarded.
		return 0, nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return 0, nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	body = append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}
