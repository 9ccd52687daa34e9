// Package llm is a thin chat-completions client shared by the summarizers
// and the image describer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/stellarlinkco/chatsum/internal/log"
)

const (
	DefaultTimeout = 60 * time.Second

	detailLow = "low"
)

var ErrEmptyResponse = errors.New("llm: empty response")

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls one model on one OpenAI-compatible endpoint. Calls are not
// retried.
type Client struct {
	api       openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

func New(opts Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		api:       openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   timeout,
	}
}

func (c *Client) Model() string { return c.model }

// Complete sends an optional system prompt and one user turn and returns the
// first choice's text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.chat(ctx, c.params(system, openai.UserMessage(user)))
}

// CompleteJSON is Complete with response_format set to json_object.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	p := c.params(system, openai.UserMessage(user))
	p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	return c.chat(ctx, p)
}

// Describe sends one image (a URL or a base64 data URL) with a text prompt.
func (c *Client) Describe(ctx context.Context, imageURL, prompt string) (string, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		{
			OfImageURL: &openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
					URL:    imageURL,
					Detail: detailLow,
				},
			},
		},
		{
			OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt},
		},
	}
	return c.chat(ctx, c.params("", openai.UserMessage(parts)))
}

func (c *Client) params(system string, user openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, user)

	p := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: msgs,
	}
	if c.maxTokens > 0 {
		p.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	return p
}

func (c *Client) chat(ctx context.Context, p openai.ChatCompletionNewParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, p)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("chat completion (%s): status %d: %w", c.model, apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("chat completion (%s): %w", c.model, err)
	}
	log.Debugf("[llm] %s answered in %s", c.model, time.Since(start).Round(time.Millisecond))

	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
