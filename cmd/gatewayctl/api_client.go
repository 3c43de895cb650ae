package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/multisession-gateway/backend/api/handlers"
	"github.com/multisession-gateway/backend/internal/model"
)

// apiClient calls the gateway's REST API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response decoded from the error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope handlers.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) listSessions(ctx context.Context) ([]handlers.SessionResponse, error) {
	var sessions []handlers.SessionResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions)
	return sessions, err
}

func (c *apiClient) createSession(ctx context.Context, id string) (*handlers.SessionResponse, error) {
	var resp handlers.SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions", handlers.CreateSessionRequest{ID: id}, &resp)
	return &resp, err
}

func (c *apiClient) sessionAction(ctx context.Context, id, action string) (*handlers.SessionResponse, error) {
	var resp handlers.SessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return &resp, err
}

func (c *apiClient) removeSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) send(ctx context.Context, id, to, body string) error {
	req := handlers.SendRequest{To: to, Body: body}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/send", req, nil)
}

func (c *apiClient) messages(ctx context.Context, id, chatID string, limit int) ([]model.ChatMessage, error) {
	q := url.Values{}
	q.Set("chatId", chatID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp handlers.MessagesResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/messages?"+q.Encode(), nil, &resp)
	return resp.Messages, err
}

// eventsURL returns the WebSocket URL of the event stream.
func (c *apiClient) eventsURL(sessions []string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/events/ws")
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(sessions) > 0 {
		q := u.Query()
		for _, id := range sessions {
			q.Add("session", id)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
