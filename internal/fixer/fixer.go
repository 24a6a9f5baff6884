// Package fixer forwards novel build and run failures to an external
// remediation service.
package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrDisabled is returned when no fix service endpoint is configured.
var ErrDisabled = fmt.Errorf("fixer: no service endpoint configured")

// FixRequest describes a single failure to hand to the fix service.
type FixRequest struct {
	RepoURL     string
	Branch      string
	Title       string
	Description string
}

type sessionPayload struct {
	Title         string        `json:"title"`
	Prompt        string        `json:"prompt"`
	SourceContext sourceContext `json:"sourceContext"`
}

type sourceContext struct {
	Source         string `json:"source"`
	StartingBranch string `json:"startingBranch"`
}

// Client submits fix sessions over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Enabled reports whether a fix service endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Submit opens a fix session for the failure. Transport errors and 5xx
// responses are retried in-process with backoff; an error return leaves the
// record eligible for another attempt on a later cycle.
func (c *Client) Submit(ctx context.Context, req FixRequest) error {
	if !c.Enabled() {
		return ErrDisabled
	}

	payload := sessionPayload{
		Title:  req.Title,
		Prompt: req.Description,
		SourceContext: sourceContext{
			Source:         req.RepoURL,
			StartingBranch: req.Branch,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode fix request: %w", err)
	}

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
	if err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.Info("fix session submitted", "repo", req.RepoURL, "title", req.Title)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fix request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("submit fix request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	respErr := fmt.Errorf("fix service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return retry.RetryableError(respErr)
	}
	return respErr
}
