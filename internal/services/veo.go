package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo video generation through the Google Gen AI SDK. An anchor frame, when
// present, is passed as the first frame of the clip.
// ---------------------------------------------------------------------------

const (
	DefaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
	veoDefaultAspect   = "16:9"
)

type VeoService struct {
	apiKey string
	model  string
	fetch  FetchFunc
	logger zerolog.Logger
}

// NewVeoService builds the Veo provider. fetch loads anchor frames, which Veo
// takes as bytes rather than URLs.
func NewVeoService(apiKey, model string, fetch FetchFunc, logger zerolog.Logger) *VeoService {
	if model == "" {
		model = DefaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		fetch:  fetch,
		logger: logger.With().Str("provider", "veo").Logger(),
	}
}

func (s *VeoService) Name() string     { return "veo" }
func (s *VeoService) Models() []string { return []string{s.model} }

func buildVeoPrompt(prompt string, hasImage bool) string {
	var b strings.Builder
	b.WriteString(prompt)
	if hasImage {
		b.WriteString("\n\nThe input image is the final frame of the previous shot. Continue from it without changing the art style, color grading or subjects.")
	}
	b.WriteString("\n\nAll subjects are fictional. No generated audio or dialogue.")
	return b.String()
}

// veoDuration rounds to the lengths Veo accepts (4, 6 or 8 seconds).
func veoDuration(sec int) int32 {
	switch {
	case sec <= 0:
		return 8
	case sec <= 5:
		return 4
	case sec <= 7:
		return 6
	}
	return 8
}

func (s *VeoService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	var firstFrame *genai.Image
	if req.ImageURL != "" && s.fetch != nil {
		data, mimeType, err := s.fetch(ctx, req.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to load anchor frame: %w", err)
		}
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		firstFrame = &genai.Image{ImageBytes: data, MIMEType: mimeType}
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = veoDefaultAspect
	}
	duration := veoDuration(req.DurationSeconds)
	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspect,
		Resolution:       "720p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		DurationSeconds:  &duration,
	}

	prompt := buildVeoPrompt(req.Prompt, firstFrame != nil)
	s.logger.Info().
		Str("model", s.model).
		Int("prompt_len", len(prompt)).
		Bool("has_image", firstFrame != nil).
		Msg("starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	polls := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, polls)
		}
		if err := sleepCtx(ctx, veoPollInterval); err != nil {
			return nil, fmt.Errorf("video generation cancelled: %w", err)
		}

		polls++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", polls, err)
		}
		s.logger.Debug().Int("poll", polls).Bool("done", operation.Done).Msg("operation polled")
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, Permanent(fmt.Errorf("video generation operation failed: %s", string(errJSON)))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation %s", operation.Name)
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, Permanent(fmt.Errorf("video blocked by safety filters: %s", reasons))
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no videos in response for operation %s", operation.Name)
	}

	video := operation.Response.GeneratedVideos[0].Video
	data, err := client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	s.logger.Info().Str("operation", operation.Name).Int("bytes", len(data)).Int("polls", polls).Msg("video generated")
	return &GenerateResult{
		ModelKey:        s.model,
		ExternalJobID:   operation.Name,
		Video:           data,
		RemoteURL:       video.URI,
		DurationSeconds: float64(duration),
	}, nil
}
