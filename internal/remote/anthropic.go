package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultClaudeModel is used when ClaudeConfig.Model is empty.
const DefaultClaudeModel = "claude-sonnet-4-5"

const decomposeSystemPrompt = `You split short stories into storyboard scenes for an illustrated video.
Reply with JSON only, no prose, in exactly this shape:
{"scenes": [{"text": "<narration for the scene>", "image_prompt": "<visual description for an image model>"}]}`

// ClaudeConfig holds settings for ClaudeDecomposer.
type ClaudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64

	// BaseURL overrides the API endpoint (tests).
	BaseURL string

	// HTTPClient overrides the SDK's client.
	HTTPClient *http.Client
}

// ClaudeDecomposer implements SceneDecomposer with the Anthropic Messages
// API instead of the generation service's own endpoint.
type ClaudeDecomposer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeDecomposer creates a ClaudeDecomposer.
func NewClaudeDecomposer(cfg ClaudeConfig) (*ClaudeDecomposer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClaudeModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	// Retries belong to the sync engine's backoff, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &ClaudeDecomposer{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// DecomposeScenes asks Claude for a storyboard of the source text.
func (d *ClaudeDecomposer) DecomposeScenes(ctx context.Context, req DecomposeRequest) ([]GeneratedScene, error) {
	const op = "decompose scenes (anthropic)"

	var prompt strings.Builder
	if req.SceneCount > 0 {
		fmt.Fprintf(&prompt, "Split the story into exactly %d scenes.\n", req.SceneCount)
	} else {
		prompt.WriteString("Split the story into as many scenes as it needs.\n")
	}
	if req.Style != "" {
		fmt.Fprintf(&prompt, "Visual style for the image prompts: %s\n", req.Style)
	}
	prompt.WriteString("\nStory:\n")
	prompt.WriteString(req.Text)

	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		MaxTokens: d.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: decomposeSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{Kind: KindForStatus(apiErr.StatusCode), StatusCode: apiErr.StatusCode, Op: op, Err: err}
		}
		return nil, transportError(op, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	scenes, err := parseSceneJSON(text.String())
	if err != nil {
		return nil, &Error{Kind: Transient, Op: op, Err: err}
	}
	return scenes, nil
}

// parseSceneJSON pulls the {"scenes": [...]} object out of a model reply,
// tolerating prose or code fences around it.
func parseSceneJSON(reply string) ([]GeneratedScene, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed response: no JSON object in reply")
	}

	var out struct {
		Scenes []GeneratedScene `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if len(out.Scenes) == 0 {
		return nil, fmt.Errorf("malformed response: no scenes")
	}
	for i, s := range out.Scenes {
		if strings.TrimSpace(s.Text) == "" {
			return nil, fmt.Errorf("malformed response: scene %d has no text", i)
		}
	}
	return out.Scenes, nil
}
