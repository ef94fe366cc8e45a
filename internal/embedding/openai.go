package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianhq/meridian/internal/domain"
)

const (
	openAIEmbeddingURL = "https://api.openai.com/v1/embeddings"
	model              = "text-embedding-3-small"

	maxBatchSize = 64
	maxRetries   = 2
	retryBase    = 200 * time.Millisecond
	retryCap     = 2 * time.Second
)

type OpenAIClient struct {
	apiKey     string
	dimension  int
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string, dimension int) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		dimension:  dimension,
		httpClient: &http.Client{},
	}
}

func (c *OpenAIClient) Dimension() int { return c.dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per input, in input order. Transient failures
// are retried with bounded exponential backoff before surfacing.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *OpenAIClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

		vecs, err := c.callOnce(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *OpenAIClient) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEmbeddingURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request failed: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read embedding response: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: embedding API status %d: %s", domain.ErrTransient, resp.StatusCode, string(respBody))
	default:
		return nil, fmt.Errorf("%w: embedding API status %d: %s", domain.ErrPermanent, resp.StatusCode, string(respBody))
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal embedding response: %v", domain.ErrBadOutput, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: embedding API error: %s", domain.ErrPermanent, result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embedding API returned %d vectors for %d inputs", domain.ErrBadOutput, len(result.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", domain.ErrBadOutput, d.Index)
		}
		if c.dimension > 0 && len(d.Embedding) != c.dimension {
			return nil, fmt.Errorf("%w: embedding dimension %d, want %d", domain.ErrBadOutput, len(d.Embedding), c.dimension)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient)
}
