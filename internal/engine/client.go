// Package engine provides the HTTP client for the external content-
// understanding service that turns captured source content into a structured
// recipe.
package engine

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// Config captures engine connection parameters.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single extraction call end to end.
	Timeout time.Duration
	// MaxRPS throttles outbound calls across all workers; zero disables
	// the throttle.
	MaxRPS float64
	Burst  int
}

// Client calls the engine's extract endpoint. It implements
// extraction.Engine and maps HTTP failures onto the job error taxonomy.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: limiter,
		logger:  logger,
	}, nil
}

type extractRequest struct {
	Kind        string `json:"kind"`
	SourceURL   string `json:"source_url,omitempty"`
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Language    string `json:"language,omitempty"`
	DetailLevel string `json:"detail_level,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Extract sends the source descriptor to the engine and decodes the recipe.
func (c *Client) Extract(ctx context.Context, req extraction.EngineRequest) (extraction.RecipePayload, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return extraction.RecipePayload{}, extraction.Transient(extraction.CodeEngineTimeout, "engine throttle wait interrupted", err)
		}
	}

	body, err := json.Marshal(extractRequest{
		Kind:        string(req.Kind),
		SourceURL:   req.SourceURL,
		Content:     req.Content,
		ContentType: req.ContentType,
		Language:    req.Language,
		DetailLevel: req.DetailLevel,
	})
	if err != nil {
		return extraction.RecipePayload{}, extraction.Terminal(extraction.CodeInternal, "encode engine request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return extraction.RecipePayload{}, extraction.Terminal(extraction.CodeInternal, "build engine request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return extraction.RecipePayload{}, extraction.Transient(extraction.CodeEngineTimeout, "engine call timed out", err)
		}
		return extraction.RecipePayload{}, extraction.Transient(extraction.CodeEngineUnavailable, "engine unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("engine call finished",
		zap.String("kind", string(req.Kind)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode == http.StatusOK {
		var payload extraction.RecipePayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return extraction.RecipePayload{}, extraction.Transient(extraction.CodeEngineUnavailable, "decode engine response", err)
		}
		return payload, nil
	}
	return extraction.RecipePayload{}, c.classify(resp)
}

// classify maps non-200 engine responses onto the failure taxonomy. Server
// faults and throttling are retryable; source rejections are not.
func (c *Client) classify(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return extraction.Transient(extraction.CodeEngineRateLimited, msg, nil)
	case resp.StatusCode >= 500:
		return extraction.Transient(extraction.CodeEngineUnavailable, msg, nil)
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		return extraction.Terminal(extraction.CodeUnsupportedSource, msg, nil)
	default:
		return extraction.Terminal(extraction.CodeInvalidSource, msg, nil)
	}
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "engine rejected request"
	}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return "engine rejected request"
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
