// Package remote talks to the generation services storyforge depends on:
// scene decomposition, image generation and video rendering.
//
// All endpoints take and return JSON and authenticate with a bearer key:
//
//	POST {base}/v1/scenes/decompose  {text, style, scene_count} -> {scenes: [{text, image_prompt}]}
//	POST {base}/v1/images            {prompt, style}            -> {url}
//	POST {base}/v1/videos            {project_id, scenes}       -> {url}
//
// Every failure is an *Error classified as Transient or Permanent, which is
// all the sync engine needs to decide between retrying and giving up.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GeneratedScene is one scene proposed by a decomposer.
type GeneratedScene struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt,omitempty"`
}

// DecomposeRequest asks for source text to be split into scenes.
type DecomposeRequest struct {
	Text       string `json:"text"`
	Style      string `json:"style,omitempty"`
	SceneCount int    `json:"scene_count,omitempty"`
}

// ImageRequest asks for one image.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

// VideoScene is one input frame for rendering.
type VideoScene struct {
	Text     string  `json:"text"`
	Image    string  `json:"image,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// VideoRequest asks for a project's scenes to be rendered.
type VideoRequest struct {
	ProjectID string       `json:"project_id"`
	Scenes    []VideoScene `json:"scenes"`
}

// SceneDecomposer splits story text into scenes.
type SceneDecomposer interface {
	DecomposeScenes(ctx context.Context, req DecomposeRequest) ([]GeneratedScene, error)
}

// ImageGenerator renders a prompt into an image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
}

// VideoRenderer renders scenes into a video URL.
type VideoRenderer interface {
	RenderVideo(ctx context.Context, req VideoRequest) (string, error)
}

// Config holds settings for the HTTP client.
type Config struct {
	// BaseURL of the generation service, e.g. https://api.example.com
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each HTTP request. The caller's context may be
	// shorter.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client is the HTTP client for the generation service. It implements
// SceneDecomposer, ImageGenerator and VideoRenderer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}, nil
}

// DecomposeScenes calls POST /v1/scenes/decompose.
func (c *Client) DecomposeScenes(ctx context.Context, req DecomposeRequest) ([]GeneratedScene, error) {
	const op = "decompose scenes"
	var resp struct {
		Scenes []GeneratedScene `json:"scenes"`
	}
	if err := c.post(ctx, op, "/v1/scenes/decompose", req, &resp); err != nil {
		return nil, err
	}
	for i, s := range resp.Scenes {
		if strings.TrimSpace(s.Text) == "" {
			return nil, &Error{Kind: Transient, Op: op, Err: fmt.Errorf("malformed response: scene %d has no text", i)}
		}
	}
	return resp.Scenes, nil
}

// GenerateImage calls POST /v1/images and returns the image URL.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	return c.postForURL(ctx, "generate image", "/v1/images", req)
}

// RenderVideo calls POST /v1/videos and returns the video URL.
func (c *Client) RenderVideo(ctx context.Context, req VideoRequest) (string, error) {
	return c.postForURL(ctx, "render video", "/v1/videos", req)
}

func (c *Client) postForURL(ctx context.Context, op, path string, body any) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, op, path, body, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &Error{Kind: Transient, Op: op, Err: errors.New("malformed response: missing url")}
	}
	return resp.URL, nil
}

// post sends body as JSON and decodes a 2xx response into out.
// A 2xx whose body does not decode is treated as transient: the service
// answered, but not with something usable, and a later attempt may succeed.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return transportError(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode, errorMessage(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: Transient, StatusCode: resp.StatusCode, Op: op, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"error": {"message": "..."}}
// from an error body, falling back to the raw text.
func errorMessage(body []byte) string {
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && len(wrapped.Error) > 0 {
		var s string
		if json.Unmarshal(wrapped.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(wrapped.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// Services bundles the three collaborators the sync engine dispatches to,
// so the decomposer can come from a different provider than the media
// endpoints.
type Services struct {
	Decomposer SceneDecomposer
	Images     ImageGenerator
	Videos     VideoRenderer
}

// NewServices uses c for every service.
func NewServices(c *Client) *Services {
	return &Services{Decomposer: c, Images: c, Videos: c}
}

func (s *Services) DecomposeScenes(ctx context.Context, req DecomposeRequest) ([]GeneratedScene, error) {
	return s.Decomposer.DecomposeScenes(ctx, req)
}

func (s *Services) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	return s.Images.GenerateImage(ctx, req)
}

func (s *Services) RenderVideo(ctx context.Context, req VideoRequest) (string, error) {
	return s.Videos.RenderVideo(ctx, req)
}
