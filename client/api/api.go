// Package api defines the provider neutral chat client contract.
package api

import (
	"context"
	"net/http"

	"github.com/Laisky/errors/v2"
)

// ErrCapabilityNotImplemented is returned by providers for operations they do not support.
var ErrCapabilityNotImplemented = errors.New("capability not implemented")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one part of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a chat message. Content holds plain text; Parts, when set,
// holds multimodal content and takes precedence.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextContent returns the plain text of m: Content for plain messages,
// otherwise the first text part.
func (m Message) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	for _, p := range m.Parts {
		if p.Type == ContentTypeText {
			return p.Text
		}
	}
	return ""
}

// ModelConfig holds sampling settings. A nil field means "not set" so
// layers can be merged without losing explicit zero values.
type ModelConfig struct {
	Model       *string
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// ChatConfig is the per-call part of a chat request.
type ChatConfig struct {
	Model  string
	Stream bool
}

// Controller aborts an in-flight chat call. Abort is idempotent.
type Controller interface {
	Abort()
}

// ChatOptions carries the messages and the callbacks of one chat call.
//
// Exactly one of OnFinish and OnError is called per call.
type ChatOptions struct {
	Messages []Message
	Config   ChatConfig

	// OnUpdate receives the accumulated text and the latest delta.
	OnUpdate func(text, chunk string)
	// OnFinish receives the final text; resp may be nil.
	OnFinish func(text string, resp *http.Response)
	OnError  func(err error)
	// OnController is called before the request is sent.
	OnController func(Controller)
}

// SpeechOptions describes a text to speech request.
type SpeechOptions struct {
	Model string
	Input string
	Voice string
	Speed float64
}

// LLMUsage is the account usage reported by a provider.
type LLMUsage struct {
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// LLMModel is a model offered by a provider.
type LLMModel struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Available   bool   `json:"available"`
	Provider    string `json:"provider"`
}

// Capabilities reports which optional operations return real data.
type Capabilities struct {
	ListModels bool
	Usage      bool
	Speech     bool
}

// LLMApi is implemented once per provider.
type LLMApi interface {
	// Chat blocks until the call settles and reports through opts callbacks.
	Chat(ctx context.Context, opts ChatOptions)
	Speech(ctx context.Context, opts SpeechOptions) ([]byte, error)
	Usage(ctx context.Context) (LLMUsage, error)
	Models(ctx context.Context) ([]LLMModel, error)
	Capabilities() Capabilities
}
