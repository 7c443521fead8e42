package notesapi

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
	"time"

	"vibenotes/backend/internal/note"
)

// StatusError 服务端返回的非 2xx（除了映射到哨兵错误的几种）
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notes api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client REST 变更接口的客户端；离线队列 drain 和 pull 用它
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Create(ctx context.Context, d note.Draft) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodPost, "/v1/notes", d, &n)
	return n, err
}

func (c *Client) Update(ctx context.Context, id string, p note.Patch) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodPatch, "/v1/notes/"+url.PathEscape(id), p, &n)
	return n, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/notes/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Get(ctx context.Context, id string) (note.Note, error) {
	var n note.Note
	err := c.do(ctx, http.MethodGet, "/v1/notes/"+url.PathEscape(id), nil, &n)
	return n, err
}

func (c *Client) Sync(ctx context.Context, req note.SyncRequest) (note.SyncResponse, error) {
	var resp note.SyncResponse
	err := c.do(ctx, http.MethodPost, "/v1/notes/sync", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	se := &StatusError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Join(note.ErrNotFound, se)
	case http.StatusForbidden, http.StatusUnauthorized:
		return errors.Join(note.ErrAccessDenied, se)
	case http.StatusBadRequest:
		return errors.Join(note.ErrProtocol, se)
	}
	return se
}
