package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fabian4/proxypool-homebrew-go/internal/forward"
	"github.com/fabian4/proxypool-homebrew-go/internal/model"
	"github.com/fabian4/proxypool-homebrew-go/internal/pool"
)

// StatusError reports a non-2xx response from the destination.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// RetriesExhaustedError carries the error of every failed attempt.
type RetriesExhaustedError struct {
	Attempts []error
}

func (e *RetriesExhaustedError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d attempts failed: [%s]", len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *RetriesExhaustedError) Unwrap() []error { return e.Attempts }

// Config tunes the retry loop and request shaping.
type Config struct {
	// Retries is the total number of attempts per fetch.
	Retries int
	// StartBackoff is the wait before the first retry; subsequent waits
	// double up to MaxBackoff. Waits carry +-20% jitter.
	StartBackoff time.Duration
	MaxBackoff   time.Duration
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
	// MaxRPS smooths the client's overall request rate; 0 disables it.
	MaxRPS float64
	// UserAgents overrides the built-in rotation list.
	UserAgents []string
	// MaxBodyBytes caps how much of a response is read; 0 = 16 MiB.
	MaxBodyBytes int64
}

func (c *Config) applyDefaults() {
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.StartBackoff <= 0 {
		c.StartBackoff = 15 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 16 << 20
	}
}

// Result is one successful fetch.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proxy      model.Proxy
}

// Client issues GET requests through the pool: every attempt acquires a
// proxy, routes through its cached transport, and releases the proxy with
// the observed outcome so 429s feed back into deactivation.
type Client struct {
	pool       *pool.Pool
	transports *forward.Registry
	cfg        Config
	limiter    *rate.Limiter
	log        *zap.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(p *pool.Pool, transports *forward.Registry, cfg Config, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if transports == nil {
		transports = forward.NewDefaultRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		pool:       p,
		transports: transports,
		cfg:        cfg,
		log:        log,
		sleep:      sleepCtx,
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return c
}

// Get fetches url and returns the raw result. Empty 2xx bodies are
// treated as failures and retried.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	return c.fetch(ctx, url, "", false)
}

// GetHTML fetches url, requiring a text/html content type.
func (c *Client) GetHTML(ctx context.Context, url string) (string, error) {
	res, err := c.fetch(ctx, url, "text/html", false)
	if err != nil {
		return "", err
	}
	return string(res.Body), nil
}

// GetJSON fetches url, requiring parseable JSON, and unmarshals into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	res, err := c.fetch(ctx, url, "application/json", true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, url, expectedMIME string, expectJSON bool) (*Result, error) {
	var attempts []error
	delay := c.cfg.StartBackoff

	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := jitter(delay)
			// A pool-wide rejection already knows when capacity frees up.
			var noProxy *pool.NoProxyError
			if errors.As(attempts[len(attempts)-1], &noProxy) && noProxy.RetryAfter > wait {
				wait = noProxy.RetryAfter
			}
			c.log.Debug("retrying fetch",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait))
			if err := c.sleep(ctx, wait); err != nil {
				attempts = append(attempts, err)
				break
			}
			delay *= 2
			if delay > c.cfg.MaxBackoff {
				delay = c.cfg.MaxBackoff
			}
		}

		res, err := c.attempt(ctx, url, expectedMIME, expectJSON)
		if err == nil {
			return res, nil
		}
		attempts = append(attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &RetriesExhaustedError{Attempts: attempts}
}

func (c *Client) attempt(ctx context.Context, url, expectedMIME string, expectJSON bool) (_ *Result, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	handle, err := c.pool.Acquire(ctx, url)
	if err != nil {
		return nil, err
	}
	outcome := model.Failure
	defer func() {
		if rerr := handle.Release(ctx, outcome); rerr != nil && err == nil {
			err = rerr
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))])

	client := &http.Client{Transport: c.transports.Get(handle.Proxy())}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s via %s: %w", url, handle.Proxy().Address(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		outcome = model.TooManyRequests
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	if expectedMIME != "" {
		ct := resp.Header.Get("Content-Type")
		if !strings.Contains(strings.ToLower(ct), expectedMIME) {
			return nil, fmt.Errorf("mime mismatch for %s: want %s, got %q", url, expectedMIME, ct)
		}
	}
	if expectJSON {
		if !json.Valid(body) {
			return nil, fmt.Errorf("invalid json from %s", url)
		}
	} else if len(body) == 0 {
		return nil, fmt.Errorf("empty response from %s", url)
	}

	outcome = model.Success
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Proxy:      handle.Proxy(),
	}, nil
}

// jitter spreads d by +-20% so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	spread := int64(float64(d) * 0.2)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
