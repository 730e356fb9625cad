// Package transcriber holds the HTTP speech-to-text clients. Every call goes
// through a rate limiter and a circuit breaker that opens after repeated
// timeouts or 5xx responses.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// Breaker settings. The breaker trips once 3 counted failures land inside
// one 2 minute window, successes in between included. It stays open 60s,
// then lets a single trial request through.
const (
	breakerFailures    = 3
	breakerInterval    = 2 * time.Minute
	breakerOpenTimeout = 60 * time.Second
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// engine builds the provider-specific request and decodes its response.
type engine interface {
	name() string
	newRequest(ctx context.Context, audioRef string) (*http.Request, error)
	decode(body io.Reader) (string, error)
}

// Client implements domain.Transcriber on top of an engine.
type Client struct {
	engine  engine
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ domain.Transcriber = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func newClient(e engine, cfg domain.TranscriberConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultConfig().Transcriber.Timeout
	}

	c := &Client{
		engine: e,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if !cfg.BreakerOff {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        e.name(),
			MaxRequests: 1,
			Interval:    breakerInterval,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= breakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !tripsBreaker(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("transcriber circuit changed",
					"engine", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return c
}

// Name identifies the engine in transcripts and logs.
func (c *Client) Name() string { return c.engine.name() }

// State reports the breaker state, "closed" when the breaker is disabled.
func (c *Client) State() string {
	if c.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return c.breaker.State().String()
}

func (c *Client) Transcribe(ctx context.Context, audioRef string) (domain.TranscriptionResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.TranscriptionResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if c.breaker == nil {
		text, err := c.call(ctx, audioRef)
		if err != nil {
			return domain.TranscriptionResult{}, err
		}
		return domain.TranscriptionResult{Text: text, Engine: c.engine.name()}, nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, audioRef)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.TranscriptionResult{}, fmt.Errorf("%w: %s circuit %s", domain.ErrTranscriberUnavailable, c.engine.name(), err)
		}
		return domain.TranscriptionResult{}, err
	}
	return domain.TranscriptionResult{Text: out.(string), Engine: c.engine.name()}, nil
}

func (c *Client) call(ctx context.Context, audioRef string) (string, error) {
	req, err := c.engine.newRequest(ctx, audioRef)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.ProviderError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &domain.ProviderError{
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:        fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), string(body)),
		}
	}

	text, err := c.engine.decode(resp.Body)
	if err != nil {
		return "", &domain.ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return text, nil
}

// tripsBreaker reports whether err counts toward opening the circuit:
// timeouts and 5xx only. Client errors are the caller's problem.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return perr.StatusCode >= 500
	}
	return false
}
