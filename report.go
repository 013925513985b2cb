package avatarkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/valyala/fasthttp"
)

// AssessmentReport is the cognitive-assessment result generated from a
// session transcript. Scores are 0-10 per domain.
type AssessmentReport struct {
	SessionID        string `json:"session_id"`
	MemoryScore      int    `json:"memory_score"`
	LanguageScore    int    `json:"language_score"`
	AttentionScore   int    `json:"attention_score"`
	ExecutiveScore   int    `json:"executive_score"`
	OrientationScore int    `json:"orientation_score"`
	OverallRisk      string `json:"overall_risk"` // Low, Medium, High
	Recommendations  string `json:"recommendations"`
	DetailedAnalysis string `json:"detailed_analysis"`
}

type reportRequest struct {
	Transcript string `json:"transcript"`
	SessionID  string `json:"session_id,omitempty"`
}

// ReportClient requests an assessment report from the analysis service.
// This is a plain request/response collaborator outside the session core.
type ReportClient struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
}

func NewReportClient(logger shared.LoggerAdapter, baseURL string) (*ReportClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing report URL: %w", err)
	}
	return &ReportClient{logger: logger, baseURL: u}, nil
}

// Generate submits the transcript and returns the structured report.
func (c *ReportClient) Generate(ctx context.Context, sessionID string, turns []ConversationTurn) (*AssessmentReport, error) {
	if len(turns) == 0 {
		return nil, errors.New("transcript is empty")
	}
	payload, err := sonic.Marshal(reportRequest{
		Transcript: Transcript(turns),
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling report request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL.JoinPath("generate").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("report generation status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	report := new(AssessmentReport)
	if err := sonic.Unmarshal(resp.Body(), report); err != nil {
		return nil, fmt.Errorf("unmarshaling report: %w", err)
	}
	return report, nil
}
