package synth

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kubemend/kubemend/internal/guard"
)

const vendorSystemPrompt = `You fix Kubernetes policy violations. Given a violated policy, a description
of the violation, and the offending manifest, respond with a single JSON array
of RFC 6902 JSON Patch operations that minimally corrects the violation.
Respond with the JSON array only, no explanation.`

// VendorConfig configures the external text-generation strategy.
type VendorConfig struct {
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible endpoints
	Model       string
	Temperature float32
}

// VendorStrategy asks an external chat-completion backend for a patch. The
// raw response is parsed by ExtractPatch; nothing the backend says is
// trusted until the engine validates it structurally.
type VendorStrategy struct {
	client *openai.Client
	model  string
	temp   float32
}

// NewVendorStrategy builds the strategy. The API key is required; the model
// defaults to gpt-4o-mini.
func NewVendorStrategy(cfg VendorConfig) (*VendorStrategy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vendor api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &VendorStrategy{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		temp:   cfg.Temperature,
	}, nil
}

func (s *VendorStrategy) Name() string        { return "openai" }
func (s *VendorStrategy) Deterministic() bool { return false }

func (s *VendorStrategy) Propose(ctx context.Context, in Input) ([]guard.Op, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: vendorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(in)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vendor completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("vendor returned no choices")
	}
	return ExtractPatch(resp.Choices[0].Message.Content)
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy: %s\n", in.Kind)
	fmt.Fprintf(&b, "Violation: %s\n\n", in.Detection.ViolationText)
	fmt.Fprintf(&b, "Manifest:\n%s\n", in.Detection.ManifestYAML)
	if len(in.Feedback) > 0 {
		b.WriteString("\nPrevious attempts failed; do not repeat these mistakes:\n")
		for _, f := range in.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}
