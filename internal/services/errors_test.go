package services_test

import (
	"errors"
	"strings"
	"testing"

	"opendrama/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrProviderRejected, "provider", "submit", "prompt refused", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrProviderRejected) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"provider", "submit", "prompt refused"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestDetailsClassifiesMarkers(t *testing.T) {
	err := services.Wrap(services.ErrExtractionFailed, "frames", "extract", "ffmpeg exited 1", nil)
	details := services.Details(err)
	if details.Kind != services.ErrExtractionFailed.Error() {
		t.Fatalf("unexpected kind %q", details.Kind)
	}
	if details.Message != "frames: extract: ffmpeg exited 1" {
		t.Fatalf("unexpected message %q", details.Message)
	}

	plain := services.Details(errors.New("plain"))
	if plain.Kind != "unknown" || plain.Message != "plain" {
		t.Fatalf("unexpected details for plain error: %+v", plain)
	}
}

func TestIsTransient(t *testing.T) {
	if services.IsTransient(nil) {
		t.Fatal("nil must not be transient")
	}
	if !services.IsTransient(errors.New("connection reset")) {
		t.Fatal("unclassified errors are transient")
	}
	if !services.IsTransient(services.Wrap(services.ErrTransient, "provider", "poll", "502", nil)) {
		t.Fatal("transient marker must be transient")
	}
	if services.IsTransient(services.Wrap(services.ErrProviderTimeout, "provider", "poll", "deadline", nil)) {
		t.Fatal("timeout must be terminal")
	}
}

func TestFailureMessage(t *testing.T) {
	if got := services.FailureMessage(nil); got != "" {
		t.Fatalf("expected empty message, got %q", got)
	}
	err := services.Wrap(services.ErrProviderTimeout, "reconciler", "poll", "no result after 30m0s", nil)
	if got := services.FailureMessage(err); got != "provider timeout: reconciler: poll: no result after 30m0s" {
		t.Fatalf("unexpected failure message %q", got)
	}
}
