// Package repair implements the client side of the code-repair service
// boundary: failing source plus the compiler's complaint go out, a
// proposed replacement comes back. The service is backed by a language
// model, but nothing here depends on which one.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
)

// FixRequest is the payload sent to the repair service.
type FixRequest struct {
	OriginalCode   string   `json:"originalCode"`
	ErrorMessage   string   `json:"errorMessage"`
	CompilerLog    []string `json:"compilerLog"`
	OriginalPrompt string   `json:"originalPrompt,omitempty"`
}

// FixResponse is the repair service's proposal.
type FixResponse struct {
	FixedCode  string          `json:"fixedCode"`
	Parameters []cad.Parameter `json:"parameters,omitempty"`
}

type serviceError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the repair service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a repair client. timeout bounds each call so a stuck
// repair service cannot hold the regeneration cycle open indefinitely.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fix submits failing source and returns the proposed replacement. Any
// transport or service failure comes back as a BuildError of kind
// repair_service_error, which terminates the auto-repair cycle.
func (c *Client) Fix(ctx context.Context, fixReq *FixRequest) (*FixResponse, error) {
	payload, err := json.Marshal(fixReq)
	if err != nil {
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("encode repair request: %v", err),
		}
	}

	url := c.baseURL + "/v1/fix"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("build repair request: %v", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("repair service unreachable", "error", err)
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("repair service unreachable: %v", err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("read repair response: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		var svcErr serviceError
		if jsonErr := json.Unmarshal(body, &svcErr); jsonErr == nil && svcErr.Error.Message != "" {
			return nil, &domain.BuildError{
				Kind:    domain.KindRepairServiceError,
				Message: svcErr.Error.Message,
			}
		}
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("repair service returned status %d", resp.StatusCode),
		}
	}

	var fix FixResponse
	if err := json.Unmarshal(body, &fix); err != nil {
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: fmt.Sprintf("decode repair response: %v", err),
		}
	}
	if fix.FixedCode == "" {
		return nil, &domain.BuildError{
			Kind:    domain.KindRepairServiceError,
			Message: "repair service returned an empty proposal",
		}
	}

	c.logger.Info("repair proposal received",
		"code_bytes", len(fix.FixedCode),
		"parameters", len(fix.Parameters),
	)
	return &fix, nil
}
