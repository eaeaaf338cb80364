package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
)

const defaultHTTPTimeout = 60 * time.Second

// Коды ошибок в ответе клиента автоматизации.
const (
	ErrorCodeFloodWait        = "flood_wait"
	ErrorCodeAuthRevoked      = "auth_revoked"
	ErrorCodeProxyUnavailable = "proxy_unavailable"
	ErrorCodeRejected         = "rejected"
	ErrorCodeTransient        = "transient"
)

// HTTPExecutor вызывает внешний клиент автоматизации (native или провайдер).
//
// Запрос: POST URL, JSON ExecRequest.
// Ответ: JSON ExecResponse (ExecResult + error_code). Инфраструктурные
// ошибки передаются через error_code, бизнес-отказ — ok=false без кода.
// HTTP 429 — flood-wait (Retry-After), 5xx и сетевые ошибки — ErrExecutorUnavailable.
type HTTPExecutor struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// ExecRequest — тело запроса к клиенту автоматизации.
type ExecRequest struct {
	TaskID     uuid.UUID             `json:"task_id"`
	Action     domain.Action         `json:"action"`
	Link       string                `json:"link"`
	Descriptor domain.LinkDescriptor `json:"descriptor"`
	Template   string                `json:"template,omitempty"`
	PerCall    int                   `json:"per_call"`
	Attempt    int                   `json:"attempt"`
	Account    ExecAccount           `json:"account"`
}

// ExecAccount — идентичность аккаунта для исполнителя. Сессия и учётные
// данные прокси хранятся у исполнителя.
type ExecAccount struct {
	ID       uuid.UUID `json:"id"`
	Phone    string    `json:"phone"`
	ProxyKey string    `json:"proxy_key"`
}

// ExecResponse — ответ клиента автоматизации.
type ExecResponse struct {
	domain.ExecResult
	ErrorCode string `json:"error_code,omitempty"`
}

// Execute отправляет задачу исполнителю.
func (e *HTTPExecutor) Execute(ctx context.Context, task *domain.Task, acc *domain.Account) (*domain.ExecResult, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("%w: url is not configured", ErrExecutorUnavailable)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(ExecRequest{
		TaskID:     task.ID,
		Action:     task.Action,
		Link:       task.Payload.Link,
		Descriptor: task.Payload.Descriptor,
		Template:   task.Payload.Template,
		PerCall:    task.Units(),
		Attempt:    task.Attempt,
		Account:    ExecAccount{ID: acc.ID, Phone: acc.Phone, ProxyKey: acc.ProxyKey()},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrExecutorUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.ID.String())
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutorUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExecutorUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &pool.FloodWaitError{Wait: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrExecutorUnavailable, resp.StatusCode, truncate(string(respBody), 200))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrBadResponse, resp.StatusCode, truncate(string(respBody), 200))
	}

	var out ExecResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if err := classifyResponse(&out); err != nil {
		return nil, err
	}
	if out.State == "" {
		out.State = domain.ExecStateDone
	}
	return &out.ExecResult, nil
}

// classifyResponse переводит error_code ответа в ошибку, понятную пулу.
func classifyResponse(r *ExecResponse) error {
	if r.OK || r.ErrorCode == "" {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = r.ErrorCode
	}
	switch r.ErrorCode {
	case ErrorCodeFloodWait:
		return &pool.FloodWaitError{Wait: r.RetryAfterDuration()}
	case ErrorCodeAuthRevoked:
		return fmt.Errorf("%w: %s", pool.ErrAuthRevoked, msg)
	case ErrorCodeProxyUnavailable:
		return fmt.Errorf("%w: %s", pool.ErrProxyUnavailable, msg)
	case ErrorCodeRejected:
		return fmt.Errorf("%w: %s", pool.ErrRejected, msg)
	default:
		return errors.New(msg)
	}
}

// retryAfter разбирает Retry-After в секундах; по умолчанию 30s.
func retryAfter(v string) time.Duration {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 30 * time.Second
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
