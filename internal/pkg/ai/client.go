// Package ai talks to the OpenRouter chat-completions API: one vision call
// that describes the uploaded subject and one image-output call that
// renders the plush version.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNoImage means the model answered without an image attachment.
	ErrNoImage = errors.New("no image generated by AI model")
	// ErrEmptyAnalysis means the vision model answered with no text.
	ErrEmptyAnalysis = errors.New("empty analysis from AI model")
)

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai api status %d: %s", e.StatusCode, e.Body)
}

const defaultBaseURL = "https://openrouter.ai/api/v1"

const analyzePrompt = `Analyze this image and provide:
1. A detailed description of the main subject
2. Identify if it's a person, pet, or other object
3. Key features that should be emphasized in a plushie version
4. Color palette and notable characteristics

Format your response as:
Subject Type: [person/pet/other]
Description: [detailed description]
Key Features: [features to emphasize]
Colors: [main colors]`

const transformPrompt = `Create a cute, adorable plushified version of the following subject.
Transform it into a soft, cuddly plush toy with:
- Exaggerated cute features (big eyes, round shapes)
- Soft, huggable appearance
- Simplified but recognizable design
- Warm, inviting colors
- Professional plush toy quality

Subject Analysis:
%s

Make it look like a high-quality, professionally manufactured plush toy that someone would want to cuddle.`

type Options struct {
	APIKey         string
	BaseURL        string
	AnalyzeModel   string
	TransformModel string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client implements Analyze and Transform over HTTP.
type Client struct {
	apiKey         string
	baseURL        string
	analyzeModel   string
	transformModel string
	http           *http.Client
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openrouter api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        baseURL,
		analyzeModel:   opts.AnalyzeModel,
		transformModel: opts.TransformModel,
		http:           client,
	}, nil
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Modalities []string      `json:"modalities,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
			Images  []contentPart   `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

func dataURL(image []byte, mimeType string) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// Analyze returns the model's free-text description of the subject.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType string) (string, error) {
	out, err := c.complete(ctx, chatRequest{
		Model: c.analyzeModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image, mimeType)}},
				{Type: "text", Text: analyzePrompt},
			},
		}},
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(messageText(out))
	if text == "" {
		return "", ErrEmptyAnalysis
	}
	return text, nil
}

// Transform renders the plush version and returns the image bytes and
// their media type.
func (c *Client) Transform(ctx context.Context, image []byte, mimeType, analysis string) ([]byte, string, error) {
	out, err := c.complete(ctx, chatRequest{
		Model:      c.transformModel,
		Modalities: []string{"image", "text"},
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(image, mimeType)}},
				{Type: "text", Text: fmt.Sprintf(transformPrompt, analysis)},
			},
		}},
	})
	if err != nil {
		return nil, "", err
	}

	for _, choice := range out.Choices {
		for _, img := range choice.Message.Images {
			if img.ImageURL == nil {
				continue
			}
			data, media, ok := decodeDataURL(img.ImageURL.URL)
			if ok && strings.HasPrefix(media, "image/") && len(data) > 0 {
				return data, media, nil
			}
		}
	}
	return nil, "", ErrNoImage
}

func (c *Client) complete(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("ai response has no choices")
	}
	return &out, nil
}

// messageText accepts both string content and a list of text parts.
func messageText(out *chatResponse) string {
	raw := out.Choices[0].Message.Content
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func decodeDataURL(u string) ([]byte, string, bool) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return nil, "", false
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", false
	}
	return data, strings.TrimSuffix(meta, ";base64"), true
}
