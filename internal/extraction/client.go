package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Lllllllleong/docparser/internal/config"
	"github.com/Lllllllleong/docparser/internal/models"
)

// Result is the normalized output of one successful extraction.
type Result struct {
	Markdown     string
	Detail       json.RawMessage
	Pages        json.RawMessage
	Elements     []models.ElementRecord
	Workbook     []byte
	TotalPages   int
	ValidPages   int
	SrcPageCount int
	DurationMs   int64
	RequestID    string
	HasChart     bool
	Calls        int
}

// Client calls the TextIn ParseX endpoint.
type Client struct {
	endpoint   string
	appID      string
	secretCode string
	parseMode  string
	httpClient *http.Client
	policy     Policy
}

// NewClient builds a client from configuration. The returned client
// retries transient failures with exponential backoff.
func NewClient(cfg config.TextInConfig) *Client {
	return &Client{
		endpoint:   cfg.Endpoint,
		appID:      cfg.AppID,
		secretCode: cfg.SecretCode,
		parseMode:  cfg.ParseMode,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy: Policy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     ExponentialBackoff(cfg.BaseDelay, cfg.MaxDelay, 0.1),
			Retryable:   IsTransient,
		},
	}
}

// WithPolicy replaces the retry policy.
func (c *Client) WithPolicy(p Policy) *Client {
	c.policy = p
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Params builds the parameter set for a run using the client's default
// parse mode.
func (c *Client) Params(o Overrides) models.ParameterSet {
	return BuildParams(c.parseMode, o)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type resultBody struct {
	Markdown        string          `json:"markdown"`
	Detail          json.RawMessage `json:"detail"`
	Pages           json.RawMessage `json:"pages"`
	Excel           string          `json:"excel"`
	TotalPageNumber int             `json:"total_page_number"`
	ValidPageNumber int             `json:"valid_page_number"`
	SrcPageCount    int             `json:"src_page_count"`
	Duration        int64           `json:"duration"`
	RequestID       string          `json:"request_id"`
}

// Extract sends data to the service with the given parameters. Transient
// failures are retried under the client's policy; the returned *Error
// carries the last cause and the number of calls made.
func (c *Client) Extract(ctx context.Context, data []byte, params models.ParameterSet) (*Result, error) {
	var result *Result
	calls, err := c.policy.Do(ctx, func(ctx context.Context) error {
		r, err := c.call(ctx, data, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var e *Error
		switch {
		case ctx.Err() != nil:
			// Cancelled runs are not retried by callers; keep the last
			// service cause next to the context error.
			e = &Error{Err: err}
			var last *Error
			if errors.As(err, &last) {
				e.StatusCode, e.Code, e.Message = last.StatusCode, last.Code, last.Message
				e.Err = last.Err
				if !errors.Is(last.Err, ctx.Err()) {
					e.Err = errors.Join(ctx.Err(), last.Err)
				}
			}
		case !errors.As(err, &e):
			e = &Error{Err: err}
		}
		e.Calls = calls
		return nil, e
	}
	result.Calls = calls
	return result, nil
}

func (c *Client) call(ctx context.Context, data []byte, params models.ParameterSet) (*Result, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+query.Encode(), bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("x-ti-app-id", c.appID)
	req.Header.Set("x-ti-secret-code", c.secretCode)
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Err: ctx.Err()}
		}
		return nil, &Error{Transient: true, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Err: ctx.Err()}
		}
		return nil, &Error{Transient: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Transient: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("server error: %s", truncate(body, 256))}
	case resp.StatusCode >= 400:
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("client error: %s", truncate(body, 256))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if env.Code != 200 {
		msg := env.Message
		if msg == "" {
			msg = "unknown TextIn error"
		}
		return nil, &Error{StatusCode: resp.StatusCode, Code: env.Code, Message: msg, Err: errors.New(msg)}
	}

	var rb resultBody
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &rb); err != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse result: %w", err)}
		}
	}

	elements, hasChart, err := normalizeDetail(rb.Detail)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse detail: %w", err)}
	}

	var workbook []byte
	if rb.Excel != "" {
		workbook, err = base64.StdEncoding.DecodeString(rb.Excel)
		if err != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode workbook: %w", err)}
		}
	}

	slog.Debug("Extraction call succeeded.",
		"elements", len(elements),
		"pages", rb.TotalPageNumber,
		"requestId", rb.RequestID,
		"elapsed", time.Since(start).String(),
	)

	return &Result{
		Markdown:     rb.Markdown,
		Detail:       orEmptyArray(rb.Detail),
		Pages:        orEmptyArray(rb.Pages),
		Elements:     elements,
		Workbook:     workbook,
		TotalPages:   rb.TotalPageNumber,
		ValidPages:   rb.ValidPageNumber,
		SrcPageCount: rb.SrcPageCount,
		DurationMs:   rb.Duration,
		RequestID:    rb.RequestID,
		HasChart:     hasChart,
	}, nil
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
