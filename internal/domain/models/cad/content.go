package cad

import (
	"encoding/json"
	"fmt"
)

// ContentKind discriminates the turn content union.
type ContentKind string

const (
	ContentKindText     ContentKind = "text"
	ContentKindArtifact ContentKind = "artifact"
	ContentKindError    ContentKind = "error"
)

// TurnContent is an explicit tagged union: exactly one variant is active,
// selected by Kind. Consumers must switch on Kind rather than sniffing
// optional fields.
type TurnContent struct {
	Kind     ContentKind      `json:"kind"`
	Text     *TextContent     `json:"text,omitempty"`
	Artifact *ArtifactContent `json:"artifact,omitempty"`
	Error    *ErrorContent    `json:"error,omitempty"`
}

// TextContent is a plain prompt or response with no attached model.
type TextContent struct {
	Text string `json:"text"`
}

// ArtifactContent attaches a compiled CAD model to an assistant turn:
// the source code, the parameters extracted from it, and a reference to
// the compiled binary in blob storage.
type ArtifactContent struct {
	Text       string      `json:"text"`
	Code       string      `json:"code"`
	Parameters []Parameter `json:"parameters,omitempty"`
	Version    int         `json:"version"`

	// BinaryRef locates the compiled output in blob storage.
	BinaryRef string `json:"binary_ref"`
	// Format is the compiled output format ("stl" or "svg").
	Format string `json:"format"`
	// TriangleCount is the decoded mesh size for STL output, 0 for SVG.
	TriangleCount uint32 `json:"triangle_count,omitempty"`

	// ErrorText carries a non-fatal compiler warning attached to an
	// otherwise successful artifact.
	ErrorText *string `json:"error_text,omitempty"`
}

// ErrorContent records a failed build on a turn. The original compiler
// error is preserved verbatim in ErrorDetail; CanRetry drives the
// user-facing "fix with AI" affordance.
type ErrorContent struct {
	Text        string `json:"text"`
	ErrorDetail string `json:"error_detail"`
	// Code is the source that failed, kept so an explicit user-triggered
	// repair cycle can resubmit it.
	Code     string `json:"code,omitempty"`
	CanRetry bool   `json:"can_retry"`
}

// NewTextContent builds a text variant.
func NewTextContent(text string) TurnContent {
	return TurnContent{Kind: ContentKindText, Text: &TextContent{Text: text}}
}

// NewArtifactContent builds an artifact variant.
func NewArtifactContent(a ArtifactContent) TurnContent {
	return TurnContent{Kind: ContentKindArtifact, Artifact: &a}
}

// NewErrorContent builds an error variant.
func NewErrorContent(e ErrorContent) TurnContent {
	return TurnContent{Kind: ContentKindError, Error: &e}
}

// Validate checks the union invariant: the variant named by Kind is set
// and the other two are nil.
func (c TurnContent) Validate() error {
	switch c.Kind {
	case ContentKindText:
		if c.Text == nil || c.Artifact != nil || c.Error != nil {
			return fmt.Errorf("content kind %q: text variant must be the only one set", c.Kind)
		}
	case ContentKindArtifact:
		if c.Artifact == nil || c.Text != nil || c.Error != nil {
			return fmt.Errorf("content kind %q: artifact variant must be the only one set", c.Kind)
		}
	case ContentKindError:
		if c.Error == nil || c.Text != nil || c.Artifact != nil {
			return fmt.Errorf("content kind %q: error variant must be the only one set", c.Kind)
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}

// DisplayText returns the user-visible text for whichever variant is active.
func (c TurnContent) DisplayText() string {
	switch c.Kind {
	case ContentKindText:
		return c.Text.Text
	case ContentKindArtifact:
		return c.Artifact.Text
	case ContentKindError:
		return c.Error.Text
	}
	return ""
}

// Clone returns a deep copy. Used when editing a turn so the new sibling
// never shares slices with the original.
func (c TurnContent) Clone() TurnContent {
	out := TurnContent{Kind: c.Kind}
	if c.Text != nil {
		t := *c.Text
		out.Text = &t
	}
	if c.Artifact != nil {
		a := *c.Artifact
		if c.Artifact.Parameters != nil {
			a.Parameters = make([]Parameter, len(c.Artifact.Parameters))
			copy(a.Parameters, c.Artifact.Parameters)
		}
		if c.Artifact.ErrorText != nil {
			e := *c.Artifact.ErrorText
			a.ErrorText = &e
		}
		out.Artifact = &a
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return out
}

// Value serializes the content for JSONB storage.
func (c TurnContent) Value() ([]byte, error) {
	return json.Marshal(c)
}

// ScanContent deserializes JSONB content from storage.
func ScanContent(data []byte) (TurnContent, error) {
	var c TurnContent
	if err := json.Unmarshal(data, &c); err != nil {
		return TurnContent{}, fmt.Errorf("scan turn content: %w", err)
	}
	if err := c.Validate(); err != nil {
		return TurnContent{}, err
	}
	return c, nil
}
