// Package client is a small JSON client for the chat and call-history REST
// endpoints. It unwraps the standard response envelope and turns error
// envelopes into *errors.AppError.
package client

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

	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
)

// Client talks to the realtime service's REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// New creates a client. baseURL is the service root, e.g. http://localhost:8083.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.Named("rest-client"),
	}
}

// WithHTTPClient replaces the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// MessagePage is one page of chat history, oldest first
type MessagePage struct {
	Messages      []domain.ConversationMessage `json:"messages"`
	NextPageState string                       `json:"next_page_state"`
	HasMore       bool                         `json:"has_more"`
}

// OpenChat gets or creates the chat with counterpartID about an accommodation
func (c *Client) OpenChat(ctx context.Context, accommodationID, counterpartID domain.ID) (*domain.ChatView, error) {
	body := map[string]string{
		"accommodation_id": accommodationID.String(),
		"counterpart_id":   counterpartID.String(),
	}
	var chat domain.ChatView
	if err := c.do(ctx, http.MethodPost, "/v1/chats", nil, body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChats returns the caller's chats, most recent first
func (c *Client) ListChats(ctx context.Context) ([]domain.ChatView, error) {
	var out struct {
		Chats []domain.ChatView `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/chats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// GetMessages loads one page of history
func (c *Client) GetMessages(ctx context.Context, chatID domain.ID, limit int, pageState string) (*MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if pageState != "" {
		q.Set("page_state", pageState)
	}
	var page MessagePage
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+url.PathEscape(chatID.String())+"/messages", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts a message and returns it as stored
func (c *Client) SendMessage(ctx context.Context, chatID domain.ID, text string) (*domain.ConversationMessage, error) {
	var msg domain.ConversationMessage
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID.String())+"/messages", nil, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CallHistory returns the caller's recent calls
func (c *Client) CallHistory(ctx context.Context, limit int) ([]domain.Call, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Calls []domain.Call `json:"calls"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/calls/history", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("Request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Service unreachable", http.StatusServiceUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperrors.WrapWithStatus(apperrors.ErrCodeInternal, "Malformed response", resp.StatusCode, err)
	}

	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		code, msg := apperrors.ErrCodeInternal, http.StatusText(resp.StatusCode)
		if env.Error != nil {
			code, msg = apperrors.ErrorCode(env.Error.Code), env.Error.Message
		}
		return apperrors.NewWithStatus(code, msg, resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
