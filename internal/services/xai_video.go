package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video
// Deferred request pattern: submit generation → poll by request_id → download.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	XAIVideoModel        = "grok-imagine-video"
	xaiInitialDelay      = 15 * time.Second // videos typically take 30-40s
	xaiPollMinInterval   = 5 * time.Second
	xaiPollMaxInterval   = 20 * time.Second
	xaiPollBackoffFactor = 1.5
	xaiMaxPollDuration   = 5 * time.Minute
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultDuration   = 8
	xaiDefaultAspect     = "16:9"
	xaiDefaultResolution = "720p"
)

type XAIVideoService struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	downloadClient *http.Client
	initialDelay   time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
}

func NewXAIVideoService(apiKey string, logger zerolog.Logger) *XAIVideoService {
	return &XAIVideoService{
		apiKey:         apiKey,
		baseURL:        xaiBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second}, // per call, not the full poll cycle
		downloadClient: &http.Client{Timeout: 120 * time.Second},
		initialDelay:   xaiInitialDelay,
		pollInterval:   xaiPollMinInterval,
		logger:         logger.With().Str("provider", "xai").Logger(),
	}
}

func (s *XAIVideoService) Name() string     { return "xai" }
func (s *XAIVideoService) Models() []string { return []string{XAIVideoModel} }

type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response of GET /v1/videos/{request_id}:
//   - pending: {"status":"pending"}
//   - completed: {"video":{"url":"...","duration":8},"model":"..."} (no status)
//   - failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Model  string          `json:"model,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func buildXAIVideoPrompt(prompt string, hasImage bool) string {
	var b strings.Builder
	b.WriteString(prompt)
	if hasImage {
		b.WriteString("\n\nThe input image is the last frame of the previous shot. Start from it and preserve its subjects, palette and lighting.")
	}
	b.WriteString("\n\nSilent video only, no generated audio or dialogue.")
	return b.String()
}

func clampXAIDuration(sec int) int {
	switch {
	case sec <= 0:
		return xaiDefaultDuration
	case sec < xaiMinDuration:
		return xaiMinDuration
	case sec > xaiMaxDuration:
		return xaiMaxDuration
	}
	return sec
}

// Generate renders a clip. A non-empty ImageURL makes it image-to-video.
func (s *XAIVideoService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = xaiDefaultAspect
	}

	body := xaiGenerationRequest{
		Prompt:      buildXAIVideoPrompt(req.Prompt, req.ImageURL != ""),
		Model:       XAIVideoModel,
		Duration:    clampXAIDuration(req.DurationSeconds),
		AspectRatio: aspect,
		Resolution:  xaiDefaultResolution,
	}
	if req.ImageURL != "" {
		body.Image = &xaiImageInput{URL: req.ImageURL}
	}

	s.logger.Info().
		Int("prompt_len", len(body.Prompt)).
		Bool("has_image", body.Image != nil).
		Int("duration", body.Duration).
		Msg("submitting video generation")

	requestID, err := s.submitGeneration(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to submit video generation: %w", err)
	}

	result, err := s.pollForResult(ctx, requestID)
	if err != nil {
		return nil, err
	}

	video, err := s.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(video) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	s.logger.Info().Str("request_id", requestID).Int("bytes", len(video)).Msg("video downloaded")
	return &GenerateResult{
		ModelKey:        XAIVideoModel,
		ExternalJobID:   requestID,
		Video:           video,
		RemoteURL:       result.Video.URL,
		DurationSeconds: float64(result.Video.Duration),
	}, nil
}

func (s *XAIVideoService) submitGeneration(ctx context.Context, reqBody xaiGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := s.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", statusError(status, body)
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, truncateString(string(body), 300))
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", truncateString(string(body), 300))
	}
	return genResp.RequestID, nil
}

// pollForResult polls until the video is ready: an initial wait, then an
// interval growing by 1.5x up to 20s, with a hard 5 minute limit.
func (s *XAIVideoService) pollForResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	deadline := time.Now().Add(xaiMaxPollDuration)
	interval := s.pollInterval

	if err := sleepCtx(ctx, s.initialDelay); err != nil {
		return nil, fmt.Errorf("video generation cancelled: %w", err)
	}

	for poll := 1; ; poll++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times, request_id=%s)", xaiMaxPollDuration, poll-1, requestID)
		}

		result, err := s.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll video result (attempt %d): %w", poll, err)
		}

		if result.Video != nil && result.Video.URL != "" {
			return result, nil
		}

		if result.Status == "failed" {
			msg := result.Error
			if msg == "" {
				msg = "unknown error"
			}
			return nil, Permanent(fmt.Errorf("video generation failed: %s (request_id=%s)", msg, requestID))
		}

		s.logger.Debug().Int("poll", poll).Str("status", result.Status).Dur("next", interval).Msg("video pending")
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, fmt.Errorf("video generation cancelled: %w", err)
		}
		interval = time.Duration(float64(interval) * xaiPollBackoffFactor)
		if interval > xaiPollMaxInterval {
			interval = xaiPollMaxInterval
		}
	}
}

func (s *XAIVideoService) getVideoResult(ctx context.Context, requestID string) (*xaiVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", s.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := s.do(req)
	if err != nil {
		return nil, err
	}
	// 202 with {"status":"pending"} while rendering.
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, statusError(status, body)
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, truncateString(string(body), 300))
	}
	return &result, nil
}

func (s *XAIVideoService) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := s.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *XAIVideoService) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// statusError reports a non-success response. Client errors other than 408
// and 429 are permanent.
func statusError(status int, body []byte) error {
	err := fmt.Errorf("xAI returned status %d: %s", status, truncateString(string(body), 500))
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
