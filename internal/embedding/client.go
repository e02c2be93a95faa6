package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

func init() {
	RegisterProvider("http", func(p Profile) (Embedder, error) {
		return NewClient(ClientConfig{
			Model:      p.Model,
			Dimension:  p.Dimension,
			Normalized: p.Normalized,
		})
	})
}

// ClientConfig holds the HTTP embedding provider settings. The endpoint
// speaks the OpenAI-compatible /embeddings shape.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	Normalized bool
	Timeout    time.Duration
	MaxRetries int
}

// Client calls a remote embedding endpoint with retry on 429 and 5xx.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig
}

// NewClient validates the config and builds the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, kberr.New(kberr.KindInvalidArgument, "embedding model is required")
	}
	if cfg.Dimension <= 0 {
		return nil, kberr.New(kberr.KindInvalidArgument, "embedding dimension must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8081/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}, nil
}

func (c *Client) Model() string    { return c.cfg.Model }
func (c *Client) Dimension() int   { return c.cfg.Dimension }
func (c *Client) Normalized() bool { return c.cfg.Normalized }

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, kberr.New(kberr.KindInternal, "embedding endpoint returned no vector")
	}
	return vecs[0], nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vecs, retryable, err := c.call(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, kberr.Wrap(kberr.KindTransient, lastErr, "embedding endpoint unavailable")
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, bool, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: c.cfg.Model})
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("embedding endpoint status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, kberr.Newf(kberr.KindForbidden, "embedding endpoint rejected credentials (status %d)", resp.StatusCode)
	default:
		return nil, false, kberr.Newf(kberr.KindInternal, "embedding endpoint status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, kberr.Wrap(kberr.KindInternal, err, "decode embedding response")
	}
	if parsed.Error != nil {
		return nil, false, kberr.Newf(kberr.KindInternal, "embedding endpoint error: %s", parsed.Error.Message)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			continue
		}
		v := d.Embedding
		if len(v) != c.cfg.Dimension {
			return nil, false, kberr.Newf(kberr.KindProfileMismatch,
				"embedding endpoint returned dimension %d, profile requires %d", len(v), c.cfg.Dimension)
		}
		if c.cfg.Normalized {
			v = Normalize(v)
		}
		vecs[d.Index] = v
	}
	for i, v := range vecs {
		if v == nil {
			return nil, false, kberr.Newf(kberr.KindInternal, "embedding endpoint returned no vector for input %d", i)
		}
	}
	return vecs, false, nil
}

// retryDelay is exponential backoff with full jitter: base 500 ms, cap 30 s.
func retryDelay(attempt int) time.Duration {
	max := 500 * time.Millisecond << (attempt - 1)
	if max > 30*time.Second {
		max = 30 * time.Second
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
