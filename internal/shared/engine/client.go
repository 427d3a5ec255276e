// Package engine is the client for the external BPMN workflow engine that
// runs approval processes. The engine starts process instances and calls
// back when a user task (job) completes; this side acknowledges jobs once
// their outcome is committed.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/resilience"
)

// ProcessEngine 工作流引擎接口
type ProcessEngine interface {
	StartProcess(ctx context.Context, processID string, variables map[string]any) (string, error)
	CompleteJob(ctx context.Context, jobKey string, variables map[string]any) error
}

// Config 引擎连接参数
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	Breaker      resilience.BreakerConfig
}

// Client 工作流引擎客户端
type Client struct {
	cfg         Config
	tokenCache  string
	tokenExpire time.Time
	mu          sync.RWMutex
	httpClient  *http.Client
	breaker     *resilience.Breaker
	tracer      trace.Tracer
}

// NewClient 创建引擎客户端
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    resilience.NewBreaker("engine", cfg.Breaker),
		tracer:     otel.Tracer("nimo-pdm/engine"),
	}
}

// accessToken 获取访问令牌，双重检查缓存，提前60秒刷新
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.TokenURL == "" {
		return "", nil
	}

	c.mu.RLock()
	if c.tokenCache != "" && time.Now().Before(c.tokenExpire) {
		token := c.tokenCache
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokenCache != "" && time.Now().Before(c.tokenExpire) {
		return c.tokenCache, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.tokenCache = result.AccessToken
	c.tokenExpire = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)
	return result.AccessToken, nil
}

// StartProcess starts a process instance and returns its key.
func (c *Client) StartProcess(ctx context.Context, processID string, variables map[string]any) (string, error) {
	ctx, span := c.tracer.Start(ctx, "engine.StartProcess", trace.WithAttributes(attribute.String("process_id", processID)))
	defer span.End()

	body := map[string]any{
		"processDefinitionId": processID,
		"variables":           variables,
	}
	var result struct {
		ProcessInstanceKey json.Number `json:"processInstanceKey"`
	}
	if err := c.guarded("startProcess", func() error {
		if err := c.doRequest(ctx, http.MethodPost, "/v2/process-instances", body, &result); err != nil {
			return err
		}
		if result.ProcessInstanceKey == "" {
			return errNoInstanceKey
		}
		return nil
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start process failed")
		return "", err
	}
	span.SetAttributes(attribute.String("process_instance_key", result.ProcessInstanceKey.String()))
	return result.ProcessInstanceKey.String(), nil
}

var errNoInstanceKey = errors.New("response has no processInstanceKey")

// CompleteJob acknowledges a job so the process instance advances.
func (c *Client) CompleteJob(ctx context.Context, jobKey string, variables map[string]any) error {
	ctx, span := c.tracer.Start(ctx, "engine.CompleteJob", trace.WithAttributes(attribute.String("job_key", jobKey)))
	defer span.End()

	body := map[string]any{"variables": variables}
	err := c.guarded("completeJob", func() error {
		return c.doRequest(ctx, http.MethodPost, "/v2/jobs/"+url.PathEscape(jobKey)+"/completion", body, nil)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete job failed")
	}
	return err
}

// guarded runs fn behind the breaker and wraps every failure as a
// WorkflowEngineError.
func (c *Client) guarded(op string, fn func() error) error {
	if err := c.breaker.Allow(); err != nil {
		return &apperr.WorkflowEngineError{Op: op, Err: err}
	}
	if err := fn(); err != nil {
		c.breaker.Failure()
		return &apperr.WorkflowEngineError{Op: op, Err: err}
	}
	c.breaker.Success()
	return nil
}

// doRequest 执行引擎API请求，自动附带令牌；非2xx视为失败
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("engine returned %d (path=%s): %s", resp.StatusCode, path, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Unconfigured is used when no engine URL is set. Every call fails, so review
// submissions are rejected instead of silently skipping approval.
type Unconfigured struct{}

func (Unconfigured) StartProcess(context.Context, string, map[string]any) (string, error) {
	return "", &apperr.WorkflowEngineError{Op: "startProcess", Err: errNotConfigured}
}

func (Unconfigured) CompleteJob(context.Context, string, map[string]any) error {
	return &apperr.WorkflowEngineError{Op: "completeJob", Err: errNotConfigured}
}

var errNotConfigured = errors.New("workflow engine not configured")
