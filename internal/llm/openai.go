package llm

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

	"github.com/meridianhq/meridian/internal/domain"
)

const (
	openAIChatURL = "https://api.openai.com/v1/chat/completions"
	chatModel     = "gpt-4o-mini"

	// Blended $/1M-token estimate for the configured model.
	inputCostPerToken  = 0.15 / 1e6
	outputCostPerToken = 0.60 / 1e6

	maxRetries = 2
	retryBase  = 200 * time.Millisecond
	retryCap   = 2 * time.Second
)

type OpenAIClient struct {
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float32         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete runs one chat completion. With JSONMode the response text must
// parse as JSON; anything else is ErrBadOutput so callers can treat it as
// a validation failure rather than retry.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts domain.CompleteOpts) (*domain.Completion, error) {
	var lastErr error
	backoff := retryBase
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}

		result, err := c.callOnce(ctx, prompt, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrTransient) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) callOnce(ctx context.Context, prompt string, opts domain.CompleteOpts) (*domain.Completion, error) {
	req := chatRequest{
		Model:       chatModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: chat request failed: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read chat response: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: chat API status %d: %s", domain.ErrTransient, resp.StatusCode, string(respBody))
	default:
		return nil, fmt.Errorf("%w: chat API status %d: %s", domain.ErrPermanent, resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal chat response: %v", domain.ErrBadOutput, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: chat API error: %s", domain.ErrPermanent, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: chat API returned no choices", domain.ErrBadOutput)
	}

	text := strings.TrimSpace(result.Choices[0].Message.Content)
	if opts.JSONMode && !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: chat API returned non-JSON in json mode", domain.ErrBadOutput)
	}

	return &domain.Completion{
		Text:         text,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		CostEstimate: float64(result.Usage.PromptTokens)*inputCostPerToken + float64(result.Usage.CompletionTokens)*outputCostPerToken,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}
