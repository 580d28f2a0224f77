package docintel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultPollInitial = 1 * time.Second
	defaultPollCap     = 10 * time.Second
	defaultPollTimeout = 3 * time.Minute
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		initial: defaultPollInitial,
		cap:     defaultPollCap,
		timeout: defaultPollTimeout,
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.initial = d
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.cap = d
	}
}

// WithPollTimeout overrides the default timeout (applied only if the parent
// context has no deadline).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// poll fetches the operation state until it reports succeeded or failed.
// Uses exponential backoff: 1s -> 2s -> 4s -> 8s -> 10s (capped).
func (c *httpClient) poll(ctx context.Context, opURL string, opts ...PollOption) (*AnalyzeResult, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		op, err := c.getOperation(ctx, opURL)
		if err != nil {
			return nil, err
		}

		switch op.Status {
		case "succeeded":
			if op.AnalyzeResult == nil {
				return nil, eris.New("docintel: succeeded operation has no result")
			}
			return op.AnalyzeResult.toResult(), nil
		case "failed":
			if op.Error != nil {
				return nil, eris.Errorf("docintel: analysis failed: %s: %s", op.Error.Code, op.Error.Message)
			}
			return nil, eris.New("docintel: analysis failed")
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "docintel: poll analysis")
		case <-time.After(interval):
		}
		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}

func (c *httpClient) getOperation(ctx context.Context, opURL string) (*operationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "docintel: create poll request")
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "docintel: poll request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "docintel: read poll response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&StatusError{StatusCode: resp.StatusCode, Body: string(body)}, "docintel: poll analysis")
	}

	var op operationResponse
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, eris.Wrap(err, "docintel: unmarshal poll response")
	}
	return &op, nil
}
