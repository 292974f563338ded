package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAIService(apiKey, model string, logger zerolog.Logger) *OpenAIService {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.With().Str("service", "openai").Logger(),
	}
}

// generateSchema reflects T into a strict JSON schema for structured output.
func generateSchema[T any]() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// ---------------------------------------------------------------------------
// Prompt layer seeding
// ---------------------------------------------------------------------------

// SeedRequest describes the beat a prompt layer draft is written for.
type SeedRequest struct {
	BeatDescription string
	SceneNumber     int
	FilmType        string
	CameraMoves     []string
}

// SeedDraft is the model's proposal for both prompt layers.
type SeedDraft struct {
	DirectorPrompt        string `json:"director_prompt" jsonschema_description:"Performance, intent and story beat for the shot, 1-3 sentences"`
	CinematographerPrompt string `json:"cinematographer_prompt" jsonschema_description:"Camera, lens, lighting and movement for the shot, 1-3 sentences"`
}

var seedDraftSchema = generateSchema[SeedDraft]()

// SeedPromptLayer drafts director and cinematographer prompts for a beat.
func (s *OpenAIService) SeedPromptLayer(ctx context.Context, req SeedRequest) (*SeedDraft, error) {
	system := `You write prompts for an AI video model, split in two layers.
The director layer covers what happens: subjects, performance, emotional intent.
The cinematographer layer covers how it is shot: framing, lens, lighting, camera movement.
Never repeat content between the layers. No markdown.`

	var user strings.Builder
	fmt.Fprintf(&user, "Scene %d.\nFilm type: %s\nBeat: %s\n", req.SceneNumber, req.FilmType, req.BeatDescription)
	if len(req.CameraMoves) > 0 {
		fmt.Fprintf(&user, "Planned camera moves: %s\n", strings.Join(req.CameraMoves, ", "))
	}

	var draft SeedDraft
	if err := s.structured(ctx, "prompt_layer_seed", seedDraftSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user.String()},
	}, &draft); err != nil {
		return nil, err
	}

	draft.DirectorPrompt = strings.TrimSpace(draft.DirectorPrompt)
	draft.CinematographerPrompt = strings.TrimSpace(draft.CinematographerPrompt)
	if draft.DirectorPrompt == "" && draft.CinematographerPrompt == "" {
		return nil, fmt.Errorf("openai returned an empty prompt draft")
	}
	return &draft, nil
}

// ---------------------------------------------------------------------------
// Continuity judge
// ---------------------------------------------------------------------------

// ContinuityJudgeRequest pairs a new clip's first look with its anchor frame.
type ContinuityJudgeRequest struct {
	AnchorFrameURL string
	ClipFrameURL   string
	AnchorPrompt   string
	ClipPrompt     string
	Mode           string
}

// ContinuityVerdict holds per-dimension scores in [0,1].
type ContinuityVerdict struct {
	SubjectConsistency float64 `json:"subject_consistency" jsonschema_description:"0 to 1, same characters, wardrobe and props"`
	Lighting           float64 `json:"lighting" jsonschema_description:"0 to 1, matching light direction, color temperature and exposure"`
	MotionDirection    float64 `json:"motion_direction" jsonschema_description:"0 to 1, consistent screen direction and movement"`
	Reason             string  `json:"reason" jsonschema_description:"One short sentence naming the weakest dimension"`
}

var continuityVerdictSchema = generateSchema[ContinuityVerdict]()

// JudgeContinuity asks a vision model how well a clip continues from its
// anchor frame.
func (s *OpenAIService) JudgeContinuity(ctx context.Context, req ContinuityJudgeRequest) (*ContinuityVerdict, error) {
	system := `You review continuity between consecutive shots of a film.
Compare the anchor frame (end of the previous shot) with the new shot.
Score each dimension from 0 (broken) to 1 (seamless).`

	parts := []openai.ChatMessagePart{
		{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("Continuation mode: %s\nPrevious shot prompt: %s\nNew shot prompt: %s\nFirst image: anchor frame. Second image: new shot.",
				req.Mode, truncateString(req.AnchorPrompt, 1200), truncateString(req.ClipPrompt, 1200)),
		},
		{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: req.AnchorFrameURL, Detail: openai.ImageURLDetailLow}},
	}
	if req.ClipFrameURL != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: req.ClipFrameURL, Detail: openai.ImageURLDetailLow},
		})
	}

	var verdict ContinuityVerdict
	if err := s.structured(ctx, "continuity_verdict", continuityVerdictSchema, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (s *OpenAIService) structured(ctx context.Context, name string, schema *jsonschema.Schema, messages []openai.ChatCompletionMessage, out interface{}) error {
	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Warn().Err(err).Str("schema", name).Str("raw", truncateString(raw, 2000)).Msg("structured output parse failed")
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}

	s.logger.Debug().Str("schema", name).Dur("elapsed", time.Since(start)).Msg("structured output received")
	return nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
