// Package remote runs inference against an OpenAI-compatible chat
// completions server (for example llama-server started with --mmproj)
// instead of launching a process per job.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/common"
	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/inference"
)

var _ inference.Client = (*Client)(nil)

const (
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	endpointChatCompletions = "v1/chat/completions"

	errorSnippetLimit = 4000

	dataURLPrefix    = "data:"
	dataURLBase64Sep = ";base64,"

	schemaName = "screenshot_description"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleUser Role = "user"
)

// PartType represents the type for a multimodal message part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// Client implements inference.Client over HTTP. Deadlines come from the
// caller's context.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   *int
}

// New creates a client for cfg.Endpoint.
func New(cfg config.InferenceConfig) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

// Invoke sends the staged image and prompt as one chat completion. A non-2xx
// answer is reported as data: ExitCode carries the HTTP status and Stderr
// the response body. An unreachable server is a LaunchFailed error.
func (c *Client) Invoke(ctx context.Context, req inference.Request) (inference.Output, error) {
	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return inference.Output{}, apperrors.Wrap(apperrors.KindUnexpectedFault, err, "join url")
	}
	out := inference.Output{CommandLine: fmt.Sprintf("POST %s model=%s", u, c.model)}

	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, err, "read staged image")
	}

	body, err := json.Marshal(c.buildRequestBody(req, buildDataURL(common.MimeImageJPEG, img)))
	if err != nil {
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, err, "new request")
	}
	httpReq.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	out.Duration = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, apperrors.Wrap(apperrors.KindUnexpectedFault, ctxErr, "inference interrupted").
				WithDetails(inference.Describe(out))
		}
		return out, apperrors.Wrap(apperrors.KindLaunchFailed, err, "reach inference server").
			WithDetails("command: " + out.CommandLine + "\nerror: " + err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, readErr := io.ReadAll(resp.Body)
	out.Duration = time.Since(start)
	if readErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			readErr = ctxErr
		}
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, readErr, "read response").
			WithDetails(inference.Describe(out))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		out.ExitCode = resp.StatusCode
		out.Stderr = []byte(truncate(string(respBytes), errorSnippetLimit))
		return out, nil
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		out.Stderr = respBytes
		return out, apperrors.Wrap(apperrors.KindInferenceFailed, err, "parse response").
			WithDetails(inference.Describe(out))
	}
	if len(comp.Choices) == 0 {
		out.Stderr = respBytes
		return out, apperrors.New(apperrors.KindInferenceFailed, "empty completion").
			WithDetails(inference.Describe(out))
	}
	out.Stdout = []byte(comp.Choices[0].Message.Content)
	return out, nil
}

func (c *Client) buildRequestBody(req inference.Request, imageDataURL string) chatCompletionRequest {
	prompt := req.Prompt
	body := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: RoleUser,
				Content: []messagePart{
					{Type: PartText, Text: &prompt},
					{Type: PartImageURL, ImageURL: &imageURL{URL: imageDataURL}},
				},
			},
		},
		Temperature: &c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if req.Schema != "" {
		body.ResponseFmt = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: schemaName, Schema: json.RawMessage(req.Schema)},
		}
	}
	return body
}

func buildDataURL(mime string, data []byte) string {
	return dataURLPrefix + mime + dataURLBase64Sep + base64.StdEncoding.EncodeToString(data)
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	ResponseFmt *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    Role `json:"role"`
	Content any  `json:"content"` // string or []messagePart
}

type messagePart struct {
	Type     PartType  `json:"type"`                // "text" | "image_url"
	Text     *string   `json:"text,omitempty"`      // when Type == "text"
	ImageURL *imageURL `json:"image_url,omitempty"` // when Type == "image_url"
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
