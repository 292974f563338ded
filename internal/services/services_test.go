package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/apperr"
	"github.com/rs/zerolog"
)

type fakeProvider struct {
	name   string
	models []string
	errs   []error
	calls  int
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Models() []string { return f.models }

func (f *fakeProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return &GenerateResult{Video: []byte("mp4"), ExternalJobID: "ext-1"}, nil
}

func newTestRegistry(attempts int) (*Registry, *[]time.Duration) {
	r := NewRegistry(RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Second, MaxDelay: 4 * time.Second}, zerolog.Nop())
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRegistryRetriesTransientFailures(t *testing.T) {
	r, slept := newTestRegistry(3)
	p := &fakeProvider{name: "xai", models: []string{"grok-imagine-video"}, errs: []error{
		errors.New("xAI returned status 503: busy"),
		errors.New("request failed: connection reset"),
	}}
	r.Register(p)

	res, err := r.Generate(context.Background(), GenerateRequest{ModelKey: "Grok-Imagine-Video", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if p.calls != 3 || res.Provider != "xai" || res.ModelKey != "Grok-Imagine-Video" {
		t.Errorf("calls = %d, result = %+v", p.calls, res)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
	if d := (*slept)[0]; d < time.Second || d > 1250*time.Millisecond {
		t.Errorf("first backoff = %v", d)
	}
	if d := (*slept)[1]; d < 2*time.Second || d > 2500*time.Millisecond {
		t.Errorf("second backoff = %v", d)
	}
}

func TestRegistryKeepsProviderMessage(t *testing.T) {
	r, _ := newTestRegistry(2)
	r.Register(&fakeProvider{name: "veo", models: []string{"veo-3.1-generate-preview"}, errs: []error{
		errors.New("quota exceeded"),
		errors.New("video blocked by safety filters: celebrity"),
	}})

	_, err := r.Generate(context.Background(), GenerateRequest{ModelKey: "veo-3.1-generate-preview"})
	if !apperr.IsCode(err, apperr.CodeProvider) {
		t.Fatalf("Generate() error = %v, want provider error", err)
	}
	if got := apperr.Message(err); got != "video blocked by safety filters: celebrity" {
		t.Errorf("Message() = %q", got)
	}
}

func TestRegistryStopsOnPermanentError(t *testing.T) {
	r, slept := newTestRegistry(5)
	p := &fakeProvider{name: "xai", models: []string{"grok-imagine-video"}, errs: []error{
		Permanent(errors.New("xAI returned status 400: prompt rejected")),
	}}
	r.Register(p)

	_, err := r.Generate(context.Background(), GenerateRequest{ModelKey: "grok-imagine-video"})
	if !apperr.IsCode(err, apperr.CodeProvider) || p.calls != 1 || len(*slept) != 0 {
		t.Errorf("Generate() error = %v, calls = %d, sleeps = %d", err, p.calls, len(*slept))
	}
	if got := apperr.Message(err); got != "xAI returned status 400: prompt rejected" {
		t.Errorf("Message() = %q", got)
	}
}

func TestRegistryUnknownModel(t *testing.T) {
	r, _ := newTestRegistry(1)
	_, err := r.Generate(context.Background(), GenerateRequest{ModelKey: "sora"})
	if !apperr.IsCode(err, apperr.CodeFailedPrecond) {
		t.Errorf("Generate() error = %v, want precondition", err)
	}
}

func TestXAIGenerate(t *testing.T) {
	var polls int32
	var submitted xaiGenerationRequest

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/videos/generations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&submitted)
		w.Write([]byte(`{"request_id":"req-42"}`))
	})
	mux.HandleFunc("/videos/req-42", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"status":"pending"}`))
			return
		}
		w.Write([]byte(`{"video":{"url":"` + srv.URL + `/files/req-42.mp4","duration":6},"model":"grok-imagine-video"}`))
	})
	mux.HandleFunc("/files/req-42.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-mp4-bytes"))
	})

	s := NewXAIVideoService("test-key", zerolog.Nop())
	s.baseURL = srv.URL
	s.initialDelay = 0
	s.pollInterval = time.Millisecond

	res, err := s.Generate(context.Background(), GenerateRequest{
		Prompt:          "The ship turns away.",
		ImageURL:        "https://cdn/b2-last.jpg",
		DurationSeconds: 40,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.ExternalJobID != "req-42" || string(res.Video) != "fake-mp4-bytes" || res.DurationSeconds != 6 {
		t.Errorf("result = %+v", res)
	}
	if submitted.Image == nil || submitted.Image.URL != "https://cdn/b2-last.jpg" || submitted.Duration != xaiMaxDuration {
		t.Errorf("submitted = %+v", submitted)
	}
	if !strings.HasPrefix(submitted.Prompt, "The ship turns away.") {
		t.Errorf("prompt = %q", submitted.Prompt)
	}
}

func TestXAIGenerateFailedIsPermanent(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/videos/generations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"request_id":"req-7"}`))
	})
	mux.HandleFunc("/videos/req-7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":"content moderated"}`))
	})

	s := NewXAIVideoService("k", zerolog.Nop())
	s.baseURL = srv.URL
	s.initialDelay = 0

	_, err := s.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	if err == nil || !IsPermanent(err) || !strings.Contains(err.Error(), "content moderated") {
		t.Errorf("Generate() error = %v, want permanent moderation error", err)
	}
}

func TestEscapeConcatPath(t *testing.T) {
	if got := escapeConcatPath("/tmp/it's/clip.mp4"); got != `/tmp/it'\''s/clip.mp4` {
		t.Errorf("escapeConcatPath() = %q", got)
	}
}

func TestVeoDuration(t *testing.T) {
	tests := map[int]int32{0: 8, 3: 4, 5: 4, 6: 6, 8: 8, 12: 8}
	for in, want := range tests {
		if got := veoDuration(in); got != want {
			t.Errorf("veoDuration(%d) = %d, want %d", in, got, want)
		}
	}
}
