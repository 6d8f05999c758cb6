// File: internal/vision/gemini.go

// Package vision resolves an element description to pixel coordinates by
// showing the vision model a captured frame. It is the last-resort strategy
// of the element locator.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/layout"
)

// Locator is the capability the element locator depends on.
type Locator interface {
	// LocateInImage returns the pixel center of the described element, or
	// found=false when the model reports the not-found sentinel.
	LocateInImage(ctx context.Context, image []byte, query string, frame layout.FrameSize) (schemas.Point, bool, error)
}

// GeminiClient implements Locator against the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Locator = (*GeminiClient)(nil)

// -- Gemini API request/response structures (internal to this file) --

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
}

type geminiRequestPayload struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.VisionConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}
	return &GeminiClient{
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("vision.gemini"),
	}, nil
}

const locatePromptTemplate = `You are looking at a %dx%d screenshot of a user interface.
Find the UI element best described by: %q
Respond with JSON only. If the element is visible, respond with
{"found": true, "x": <pixel x of its center>, "y": <pixel y of its center>}.
If it is not visible, respond with {"found": false}.`

// locateAnswer is the JSON contract the prompt demands from the model.
type locateAnswer struct {
	Found bool `json:"found"`
	X     int  `json:"x"`
	Y     int  `json:"y"`
}

// LocateInImage sends the frame plus the query and parses the coordinate
// answer. Coordinates outside the frame are rejected as not found.
func (c *GeminiClient) LocateInImage(ctx context.Context, image []byte, query string, frame layout.FrameSize) (schemas.Point, bool, error) {
	payload := geminiRequestPayload{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
				{Text: fmt.Sprintf(locatePromptTemplate, frame.Width, frame.Height, query)},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      0,
			ResponseMimeType: "application/json",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schemas.Point{}, false, fmt.Errorf("failed to marshal vision request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 90 * time.Second
	b.MaxInterval = 20 * time.Second

	var text string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during vision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var out geminiResponsePayload
		if err := json.Unmarshal(respBody, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
			reason := ""
			if len(out.Candidates) > 0 {
				reason = out.Candidates[0].FinishReason
			}
			return backoff.Permanent(fmt.Errorf("vision API returned no content (reason: %s)", reason))
		}

		c.logger.Debug("Vision lookup complete",
			zap.String("query", query),
			zap.Duration("duration", time.Since(start)))
		text = out.Candidates[0].Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return schemas.Point{}, false, err
	}

	answer, err := parseLocateAnswer(text)
	if err != nil {
		return schemas.Point{}, false, err
	}
	if !answer.Found {
		return schemas.Point{}, false, nil
	}

	p := schemas.Point{X: answer.X, Y: answer.Y}
	if !layout.InFrame(p, frame) {
		c.logger.Warn("Vision answer outside frame bounds, rejecting",
			zap.Int("x", p.X), zap.Int("y", p.Y),
			zap.Int("frame_width", frame.Width), zap.Int("frame_height", frame.Height))
		return schemas.Point{}, false, nil
	}
	return p, true, nil
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Vision API returned error status",
		zap.Int("status", statusCode), zap.ByteString("response", body))
	err := fmt.Errorf("vision API error: status %d", statusCode)

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}

// parseLocateAnswer decodes the model's JSON answer, tolerating markdown
// fences some models wrap around it.
func parseLocateAnswer(text string) (locateAnswer, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var answer locateAnswer
	if err := json.Unmarshal([]byte(trimmed), &answer); err != nil {
		return locateAnswer{}, fmt.Errorf("unparseable vision answer %q: %w", text, err)
	}
	return answer, nil
}
