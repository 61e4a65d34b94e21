// Package chatsync is a client-side synchronization engine for one-to-one
// chat where a single principal acts under a personal identity and,
// optionally, a company identity.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	overlay, _ := chatsync.LoadOverlay(ctx, chatsync.NewMemoryOverlayPort(), zerolog.Nop())
//	engine, _ := chatsync.NewEngine(chatsync.Deps{
//		Conversations: client.Conversations,
//		Messages:      client.Messages,
//		Resolver:      client.Profiles,
//		Overlay:       overlay,
//		Dialer:        chatsync.WebSocketDialer(client.BaseURL(), nil),
//	}, nil)
//
//	engine.Bind(chatsync.SessionContext{Personal: &me, Active: chatsync.KindPersonal})
//	engine.Connect(ctx, chatsync.KindPersonal, token)
//	engine.LoadConversations(ctx)
package chatsync

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
)

const (
	DefaultTimeout  = 15 * time.Second
	defaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API. Each sub-client covers one resource.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Profiles      *ProfilesClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a REST client. token is sent as a bearer token on every
// request and may be swapped later with SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. when switching active identity.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || (len(data) > 0 && !result.OK) {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *Result) (*T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &v, nil
}

func asQuery(self Identity) url.Values {
	return url.Values{"as": {self.ID}, "asType": {self.Kind.String()}}
}

func pageQuery(q url.Values, opts PageOptions) url.Values {
	if q == nil {
		q = url.Values{}
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	return q
}

// pageHasMore falls back to "full page means more" when the server omits meta.
func pageHasMore(meta *PageMeta, got, limit int) bool {
	if meta != nil {
		return meta.HasMore
	}
	return limit > 0 && got >= limit
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationAPI is the conversation half of the REST surface the engine
// consumes.
type ConversationAPI interface {
	CreateOrGet(ctx context.Context, self Identity, other Participant) (*Conversation, error)
	List(ctx context.Context, self Identity, opts PageOptions) ([]*Conversation, bool, error)
	Get(ctx context.Context, self Identity, conversationID string) (*Conversation, error)
	Delete(ctx context.Context, self Identity, conversationID string) error
	MarkAllRead(ctx context.Context, reader Identity, conversationID string) error
}

// ConversationsClient handles conversation endpoints.
type ConversationsClient struct{ c *Client }

var _ ConversationAPI = (*ConversationsClient)(nil)

func (cv *ConversationsClient) CreateOrGet(ctx context.Context, self Identity, other Participant) (*Conversation, error) {
	res, err := cv.c.do(ctx, http.MethodPost, "/api/chat/conversations", map[string]interface{}{
		"participantId":   other.ID,
		"participantType": other.Kind,
		"as":              self,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](res)
}

// List returns one page of conversations visible to self and whether more
// pages follow.
func (cv *ConversationsClient) List(ctx context.Context, self Identity, opts PageOptions) ([]*Conversation, bool, error) {
	res, err := cv.c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, pageQuery(asQuery(self), opts))
	if err != nil {
		return nil, false, err
	}
	var convs []*Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, false, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, pageHasMore(res.Meta, len(convs), opts.Limit), nil
}

func (cv *ConversationsClient) Get(ctx context.Context, self Identity, conversationID string) (*Conversation, error) {
	res, err := cv.c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(conversationID), nil, asQuery(self))
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](res)
}

func (cv *ConversationsClient) Delete(ctx context.Context, self Identity, conversationID string) error {
	_, err := cv.c.do(ctx, http.MethodDelete, "/api/chat/conversations/"+url.PathEscape(conversationID), nil, asQuery(self))
	return err
}

func (cv *ConversationsClient) MarkAllRead(ctx context.Context, reader Identity, conversationID string) error {
	_, err := cv.c.do(ctx, http.MethodPatch, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read-all", map[string]interface{}{
		"participantId":   reader.ID,
		"participantType": reader.Kind,
	}, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessageAPI is the message half of the REST surface the engine consumes.
type MessageAPI interface {
	Send(ctx context.Context, sender Identity, conversationID, content string) (*Message, error)
	List(ctx context.Context, self Identity, conversationID string, opts PageOptions) ([]*Message, bool, error)
	MarkRead(ctx context.Context, reader Identity, messageID string) error
}

// MessagesClient handles message endpoints.
type MessagesClient struct{ c *Client }

var _ MessageAPI = (*MessagesClient)(nil)

func (m *MessagesClient) Send(ctx context.Context, sender Identity, conversationID, content string) (*Message, error) {
	res, err := m.c.do(ctx, http.MethodPost, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", map[string]interface{}{
		"content":    content,
		"senderId":   sender.ID,
		"senderType": sender.Kind,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](res)
}

func (m *MessagesClient) List(ctx context.Context, self Identity, conversationID string, opts PageOptions) ([]*Message, bool, error) {
	res, err := m.c.do(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, pageQuery(asQuery(self), opts))
	if err != nil {
		return nil, false, err
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, false, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, pageHasMore(res.Meta, len(msgs), opts.Limit), nil
}

func (m *MessagesClient) MarkRead(ctx context.Context, reader Identity, messageID string) error {
	_, err := m.c.do(ctx, http.MethodPatch, "/api/chat/messages/"+url.PathEscape(messageID)+"/read", map[string]interface{}{
		"participantId":   reader.ID,
		"participantType": reader.Kind,
	}, nil)
	return err
}

// ============================================================================
// Profiles
// ============================================================================

// ProfilesClient resolves participant display info over REST.
type ProfilesClient struct{ c *Client }

var _ ParticipantResolver = (*ProfilesClient)(nil)

// Resolve returns nil, nil when the participant does not exist.
func (p *ProfilesClient) Resolve(ctx context.Context, participantID string, kind IdentityKind) (*ParticipantInfo, error) {
	path := "/api/users/"
	if kind == KindCompany {
		path = "/api/companies/"
	}
	res, err := p.c.do(ctx, http.MethodGet, path+url.PathEscape(participantID), nil, nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if res.Data == nil || string(res.Data) == "null" {
		return nil, nil
	}
	info, err := decodeData[ParticipantInfo](res)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		info.ID = participantID
	}
	if !info.Kind.Valid() {
		info.Kind = kind
	}
	return info, nil
}
