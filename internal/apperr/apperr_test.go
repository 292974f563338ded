package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{NotFound("beat", "b1"), http.StatusNotFound},
		{Precondition("no clips"), http.StatusPreconditionFailed},
		{ErrClaimConflict, http.StatusConflict},
		{Provider("xai", errors.New("quota")), http.StatusBadGateway},
		{Compilation("concat", errors.New("exit 1")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := GetHTTPStatus(tt.err); got != tt.want {
			t.Errorf("GetHTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("reclaimer: %w", StaleJob("scene_video", "j1"))
	if !IsCode(err, CodeStaleJob) {
		t.Fatalf("GetCode() = %s, want %s", GetCode(err), CodeStaleJob)
	}
	if !errors.Is(err, &Error{Code: CodeStaleJob}) {
		t.Error("errors.Is should match by code through fmt wrapping")
	}
}

func TestProviderMessageVerbatim(t *testing.T) {
	err := Provider("xai", errors.New("content rejected: policy violation"))
	if got := Message(fmt.Errorf("drain: %w", err)); got != "content rejected: policy violation" {
		t.Errorf("Message() = %q", got)
	}
	if got := err.Error(); got != "xai: content rejected: policy violation" {
		t.Errorf("Error() = %q", got)
	}
}

func TestProviderKeepsCause(t *testing.T) {
	err := fmt.Errorf("drain: %w", Provider("veo", fmt.Errorf("poll operation: %w", context.DeadlineExceeded)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("provider error should unwrap to its cause")
	}
	if !IsCode(err, CodeProvider) {
		t.Errorf("GetCode() = %s, want %s", GetCode(err), CodeProvider)
	}
	if got := Message(err); got != "poll operation: context deadline exceeded" {
		t.Errorf("Message() = %q", got)
	}
}

func TestIsClaimConflict(t *testing.T) {
	if !IsClaimConflict(fmt.Errorf("update: %w", ErrClaimConflict)) {
		t.Error("expected claim conflict")
	}
	if IsClaimConflict(errors.New("other")) {
		t.Error("plain error is not a claim conflict")
	}
}
