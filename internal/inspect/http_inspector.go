package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
)

const defaultInspectTimeout = 20 * time.Second

// HTTPInspector — Inspector поверх HTTP-клиента автоматизации.
//
//	POST {URL}/inspect {"account":{...},"link":"..."}          → {"descriptor":{...},"chat":{...}}
//	POST {URL}/posts   {"account":{...},"channel":{...},"limit":N} → {"post_ids":[...]}
//
// Ошибки отдаются тем же контрактом error_code, что у исполнителя задач.
type HTTPInspector struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

var _ Inspector = (*HTTPInspector)(nil)

type inspectAccount struct {
	ID       uuid.UUID `json:"id"`
	Phone    string    `json:"phone"`
	ProxyKey string    `json:"proxy_key"`
}

type inspectRequest struct {
	Account inspectAccount         `json:"account"`
	Link    string                 `json:"link,omitempty"`
	Channel *domain.LinkDescriptor `json:"channel,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

type inspectResponse struct {
	Descriptor domain.LinkDescriptor `json:"descriptor"`
	Chat       domain.ChatMeta       `json:"chat"`
	PostIDs    []int64               `json:"post_ids"`

	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Inspect разбирает ссылку.
func (h *HTTPInspector) Inspect(ctx context.Context, acc *domain.Account, link string) (domain.LinkDescriptor, domain.ChatMeta, error) {
	var resp inspectResponse
	if err := h.call(ctx, "/inspect", inspectRequest{Account: accountOf(acc), Link: link}, &resp); err != nil {
		return domain.LinkDescriptor{}, domain.ChatMeta{}, err
	}
	return resp.Descriptor, resp.Chat, nil
}

// RecentPosts возвращает id последних постов канала.
func (h *HTTPInspector) RecentPosts(ctx context.Context, acc *domain.Account, channel domain.LinkDescriptor, limit int) ([]int64, error) {
	var resp inspectResponse
	req := inspectRequest{Account: accountOf(acc), Channel: &channel, Limit: limit}
	if err := h.call(ctx, "/posts", req, &resp); err != nil {
		return nil, err
	}
	return resp.PostIDs, nil
}

func accountOf(acc *domain.Account) inspectAccount {
	return inspectAccount{ID: acc.ID, Phone: acc.Phone, ProxyKey: acc.ProxyKey()}
}

func (h *HTTPInspector) call(ctx context.Context, path string, body any, out *inspectResponse) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultInspectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.URL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("inspector %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		wait, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &pool.FloodWaitError{Wait: secondsOr(wait, 30)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("inspector %s: HTTP %d: decode: %w", path, resp.StatusCode, err)
	}
	if out.ErrorCode != "" {
		return inspectError(out)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("inspector %s: HTTP %d: %s", path, resp.StatusCode, out.Error)
	}
	return nil
}

func inspectError(r *inspectResponse) error {
	msg := r.Error
	if msg == "" {
		msg = r.ErrorCode
	}
	switch r.ErrorCode {
	case "flood_wait":
		return &pool.FloodWaitError{Wait: secondsOr(r.RetryAfter, 30)}
	case "auth_revoked":
		return fmt.Errorf("%w: %s", pool.ErrAuthRevoked, msg)
	case "proxy_unavailable":
		return fmt.Errorf("%w: %s", pool.ErrProxyUnavailable, msg)
	case "rejected":
		return fmt.Errorf("%w: %s", pool.ErrRejected, msg)
	default:
		return errors.New(msg)
	}
}

func secondsOr(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
