package repair

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forma/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFix_Success(t *testing.T) {
	var received FixRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/fix" {
			t.Errorf("path = %s, want /v1/fix", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(FixResponse{FixedCode: "cube([1,1,2]);"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", time.Second, testLogger())
	fix, err := c.Fix(context.Background(), &FixRequest{
		OriginalCode:   "cube([1,1,h/0]);",
		ErrorMessage:   "division by zero",
		CompilerLog:    []string{"line 1", "line 2"},
		OriginalPrompt: "a thin cube",
	})
	if err != nil {
		t.Fatalf("fix: %v", err)
	}
	if fix.FixedCode != "cube([1,1,2]);" {
		t.Errorf("fixed code = %q", fix.FixedCode)
	}
	if len(received.CompilerLog) != 2 || received.CompilerLog[0] != "line 1" {
		t.Errorf("compiler log not forwarded in order: %v", received.CompilerLog)
	}
	if received.OriginalPrompt != "a thin cube" {
		t.Errorf("original prompt not forwarded: %q", received.OriginalPrompt)
	}
}

func TestFix_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second, testLogger())
	_, err := c.Fix(context.Background(), &FixRequest{OriginalCode: "x", ErrorMessage: "y"})

	var berr *domain.BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Kind != domain.KindRepairServiceError {
		t.Errorf("kind = %s, want repair_service_error", berr.Kind)
	}
	if berr.Message != "model overloaded" {
		t.Errorf("message = %q, want structured service message", berr.Message)
	}
}

func TestFix_EmptyProposalRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FixResponse{FixedCode: ""})
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second, testLogger())
	_, err := c.Fix(context.Background(), &FixRequest{OriginalCode: "x", ErrorMessage: "y"})

	var berr *domain.BuildError
	if !errors.As(err, &berr) || berr.Kind != domain.KindRepairServiceError {
		t.Fatalf("expected repair_service_error, got %v", err)
	}
}

func TestFix_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", 100*time.Millisecond, testLogger())
	_, err := c.Fix(context.Background(), &FixRequest{OriginalCode: "x", ErrorMessage: "y"})

	var berr *domain.BuildError
	if !errors.As(err, &berr) || berr.Kind != domain.KindRepairServiceError {
		t.Fatalf("expected repair_service_error, got %v", err)
	}
}
