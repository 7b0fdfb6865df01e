// Package collyfetcher captures source page content using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps the captured response body; zero means 10 MiB.
	MaxBodyBytes int
}

const defaultMaxBodyBytes = 10 << 20

// Fetcher implements extraction.SourceFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher with a pooled transport shared across fetches.
func New(cfg Config) *Fetcher {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

type fetchResult struct {
	body        []byte
	contentType string
	statusCode  int
}

// Fetch executes a single GET for the source URL and returns the captured
// body and content type. Failures carry the job error taxonomy: a vanished
// page is terminal, transport faults are retryable.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	var (
		result   fetchResult
		fetchErr error
	)
	collector := f.buildCollector(&result, &fetchErr)

	if err := f.runCollector(ctx, collector, url); err != nil {
		return nil, "", err
	}
	if fetchErr != nil {
		return nil, "", classifyFetchError(result.statusCode, fetchErr)
	}
	if len(result.body) > f.cfg.MaxBodyBytes {
		result.body = result.body[:f.cfg.MaxBodyBytes]
	}
	return result.body, result.contentType, nil
}

func (f *Fetcher) buildCollector(result *fetchResult, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = fetchResult{
			body:        append([]byte(nil), r.Body...),
			contentType: r.Headers.Get("Content-Type"),
			statusCode:  r.StatusCode,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return extraction.Transient(extraction.CodeSourceFetch, "source fetch canceled", ctx.Err())
	case err := <-done:
		if err != nil {
			return extraction.Transient(extraction.CodeSourceFetch, fmt.Sprintf("visit %s", url), err)
		}
		return nil
	}
}

// classifyFetchError maps an HTTP-level fetch failure onto the failure
// taxonomy. Pages that no longer exist or refuse access can never succeed;
// everything else is worth a retry.
func classifyFetchError(statusCode int, err error) error {
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		return extraction.Terminal(extraction.CodeInvalidSource, "source page not found", err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return extraction.Terminal(extraction.CodeUnsupportedSource, "source page refused access", err)
	default:
		return extraction.Transient(extraction.CodeSourceFetch, "source fetch failed", err)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
