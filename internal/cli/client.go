package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TaskResponse — task из API.
type TaskResponse struct {
	ID             string         `json:"id"`
	SubjectKind    string         `json:"subject_kind,omitempty"`
	SubjectID      string         `json:"subject_id,omitempty"`
	UnsubscribeID  string         `json:"unsubscribe_id,omitempty"`
	Action         string         `json:"action"`
	LinkHash       string         `json:"link_hash"`
	Link           string         `json:"link"`
	Executor       string         `json:"executor,omitempty"`
	AccountID      string         `json:"account_id"`
	Status         string         `json:"status"`
	Attempt        int            `json:"attempt"`
	LeaseExpiresAt string         `json:"lease_expires_at,omitempty"`
	Result         *ReportRequest `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      string         `json:"created_at"`
	FinishedAt     string         `json:"finished_at,omitempty"`
}

// UnsubscribeResponse — отложенная отписка из API.
type UnsubscribeResponse struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Link         string `json:"link"`
	SourceTaskID string `json:"source_task_id"`
	TaskID       string `json:"task_id,omitempty"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	DueAt        string `json:"due_at"`
	LastError    string `json:"last_error,omitempty"`
}

// ProgressResponse — счётчики субъекта.
type ProgressResponse struct {
	Quantity  int    `json:"quantity"`
	Delivered int    `json:"delivered"`
	Remains   int    `json:"remains"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// SubjectResponse — заказ или квота из API.
type SubjectResponse struct {
	Kind     string           `json:"kind"`
	ID       string           `json:"id"`
	Link     string           `json:"link"`
	Progress ProgressResponse `json:"progress"`
	Exec     struct {
		Action    string `json:"action"`
		NextRunAt string `json:"next_run_at,omitempty"`
	} `json:"exec"`
	WindowEnd string `json:"window_ends_at,omitempty"`
}

// ReportRequest — результат исполнения задачи.
type ReportRequest struct {
	OK         bool   `json:"ok"`
	State      string `json:"state,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ReportResponse — итог применения отчёта.
type ReportResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ListTasksOpts — фильтры списка задач.
type ListTasksOpts struct {
	Status    string
	SubjectID string
	AccountID string
	Limit     int
	Offset    int
}

// ListUnsubscribesOpts — фильтры списка отписок.
type ListUnsubscribesOpts struct {
	Status    string
	AccountID string
	Limit     int
	Offset    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound возвращает true для ответа 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatus == http.StatusNotFound
}

// --- Client ---

// Client — HTTP-клиент Fanout API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Tasks ---

// ListTasks возвращает задачи с фильтрацией.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOpts) ([]TaskResponse, error) {
	params := url.Values{}
	setParam(params, "status", opts.Status)
	setParam(params, "subject_id", opts.SubjectID)
	setParam(params, "account_id", opts.AccountID)
	setPage(params, opts.Limit, opts.Offset)

	var tasks []TaskResponse
	err := c.list(ctx, "/api/v1/tasks", params, &tasks)
	return tasks, err
}

// GetTask возвращает задачу по ID.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), &task)
	return &task, err
}

// ReportTask отправляет результат задачи.
func (c *Client) ReportTask(ctx context.Context, id string, req ReportRequest) (*ReportResponse, error) {
	var resp ReportResponse
	err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(id)+"/report", req, &resp)
	return &resp, err
}

// --- Unsubscribes ---

// ListUnsubscribes возвращает отложенные отписки.
func (c *Client) ListUnsubscribes(ctx context.Context, opts ListUnsubscribesOpts) ([]UnsubscribeResponse, error) {
	params := url.Values{}
	setParam(params, "status", opts.Status)
	setParam(params, "account_id", opts.AccountID)
	setPage(params, opts.Limit, opts.Offset)

	var items []UnsubscribeResponse
	err := c.list(ctx, "/api/v1/unsubscribes", params, &items)
	return items, err
}

// GetUnsubscribe возвращает отписку по ID.
func (c *Client) GetUnsubscribe(ctx context.Context, id string) (*UnsubscribeResponse, error) {
	var u UnsubscribeResponse
	err := c.get(ctx, "/api/v1/unsubscribes/"+url.PathEscape(id), &u)
	return &u, err
}

// --- Subjects ---

// GetOrder возвращает заказ по ID.
func (c *Client) GetOrder(ctx context.Context, id string) (*SubjectResponse, error) {
	var s SubjectResponse
	err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(id), &s)
	return &s, err
}

// GetQuota возвращает квоту по ID.
func (c *Client) GetQuota(ctx context.Context, id string) (*SubjectResponse, error) {
	var s SubjectResponse
	err := c.get(ctx, "/api/v1/quotas/"+url.PathEscape(id), &s)
	return &s, err
}

// Health возвращает тело /healthz. Статус 503 не считается ошибкой транспорта.
func (c *Client) Health(ctx context.Context) (healthy bool, body map[string]any, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return false, nil, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode == http.StatusOK, body, nil
}

// --- HTTP helpers ---

func setParam(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func setPage(params url.Values, limit, offset int) {
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
