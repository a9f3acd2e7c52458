// Package rest wraps the backend endpoints the realtime core delegates to:
// message send, typing status, call-log updates and read receipts.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/cid"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Client is a thin JSON client for the REST collaborators.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// New creates a client for the given base URL. A nil httpClient uses a
// 10 second timeout default.
func New(baseURL, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      httpClient,
	}
}

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	Body           string `json:"body"`
}

// SendMessage posts a clientId-tagged send and returns the authoritative
// message payload carrying the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, conversationID, clientID, body string) (protocol.MessagePayload, error) {
	var out protocol.MessagePayload
	err := c.doJSON(ctx, http.MethodPost, "/api/messages", sendMessageRequest{
		ConversationID: conversationID,
		ClientID:       clientID,
		Body:           body,
	}, &out)
	if err != nil {
		return protocol.MessagePayload{}, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// SetTyping announces typing state for a conversation.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/typing", typingRequest{
		ConversationID: conversationID,
		Typing:         typing,
	}, nil); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

type callLogRequest struct {
	CallID          string `json:"call_id"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration_seconds"`
}

// UpdateCallLog records a call state transition on the backend.
func (c *Client) UpdateCallLog(ctx context.Context, callID, state string, durationSeconds int) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/calls/log", callLogRequest{
		CallID:          callID,
		State:           state,
		DurationSeconds: durationSeconds,
	}, nil); err != nil {
		return fmt.Errorf("update call log: %w", err)
	}
	return nil
}

type readReceiptRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// SendReadReceipt acknowledges a message as read.
func (c *Client) SendReadReceipt(ctx context.Context, conversationID, messageID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/receipts", readReceiptRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
	}, nil); err != nil {
		return fmt.Errorf("send read receipt: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	cid.AddHeaderFromContext(req.Header, ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
