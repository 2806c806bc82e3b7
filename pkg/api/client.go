// Package api is the HTTP client for the chat session API and the team
// roster endpoints. Every request carries the bearer credential.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/protocol"
)

// ErrUnexpectedStatus wraps non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// SessionRecord is a session as listed by GET /chat/sessions.
type SessionRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind,omitempty"`
	Name        string    `json:"name"`
	Members     []string  `json:"members,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	LastActive  time.Time `json:"lastActive,omitzero"`
	UnreadCount int       `json:"unreadCount,omitempty"`
}

func (r SessionRecord) Session() chat.Session {
	return chat.Session{
		ID:                 r.ID,
		Kind:               chat.SessionKind(r.Kind),
		DisplayName:        r.Name,
		Members:            append([]string(nil), r.Members...),
		LastMessagePreview: r.LastMessage,
		LastActivity:       r.LastActive,
		UnreadCount:        r.UnreadCount,
	}
}

// Unread is the GET /chat/unread summary.
type Unread struct {
	Total    int            `json:"total"`
	Sessions map[string]int `json:"sessions"`
}

type Employee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position string `json:"position,omitempty"`
	Status   string `json:"status,omitempty"`
}

type Client struct {
	http  *resty.Client
	codec *protocol.Codec
}

// NewClient builds a client whose transport injects the bearer credential.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	base := &http.Client{}
	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		base = oauth2.NewClient(context.Background(), src)
	}
	rc := resty.NewWithClient(base).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: rc, codec: protocol.NewCodec()}, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out []SessionRecord
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/chat/sessions")
	if err := check(resp, err, "list sessions"); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches the history of one session. Entries that fail to
// decode are skipped.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("sessionId", sessionID).
		Get("/chat/messages")
	if err := check(resp, err, "list messages"); err != nil {
		return nil, err
	}

	body := gjson.ParseBytes(resp.Body())
	if !body.IsArray() {
		return nil, fmt.Errorf("list messages: response is not an array")
	}
	var out []chat.Message
	for _, item := range body.Array() {
		raw := item.Raw
		if !item.Get("sessionId").Exists() {
			// entries of a single-session listing may omit their session
			if withSession, err := sjson.Set(raw, "sessionId", sessionID); err == nil {
				raw = withSession
			}
		}
		f, err := c.codec.Decode([]byte(raw))
		if err != nil {
			logger.DebugCF("api", "Skipping history entry", map[string]any{
				"session": sessionID,
				"error":   err,
			})
			continue
		}
		cf, ok := f.(protocol.ChatFrame)
		if !ok {
			continue
		}
		out = append(out, cf.Message)
	}
	return out, nil
}

// EnsureSession creates the session remotely unless it already exists. A
// 409 Conflict counts as success, so the call is safe to repeat.
func (c *Client) EnsureSession(ctx context.Context, s chat.Session) error {
	body := SessionRecord{
		ID:      s.ID,
		Kind:    string(s.Kind),
		Name:    s.DisplayName,
		Members: s.Members,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/chat/sessions")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return nil
	}
	return check(resp, err, "create session")
}

func (c *Client) Unread(ctx context.Context) (*Unread, error) {
	out := &Unread{}
	resp, err := c.http.R().SetContext(ctx).SetResult(out).Get("/chat/unread")
	if err := check(resp, err, "unread"); err != nil {
		return nil, err
	}
	if out.Sessions == nil {
		out.Sessions = map[string]int{}
	}
	return out, nil
}

func (c *Client) Employee(ctx context.Context, id string) (*Employee, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", id).
		Get("/api/employees/{id}")
	if err := check(resp, err, "employee"); err != nil {
		return nil, err
	}
	e := employeeOf(gjson.ParseBytes(resp.Body()))
	if e.ID == "" {
		e.ID = id
	}
	return &e, nil
}

func (c *Client) TeamMembers(ctx context.Context, teamID string) ([]Employee, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", teamID).
		Get("/api/teams/{id}/members")
	if err := check(resp, err, "team members"); err != nil {
		return nil, err
	}
	var out []Employee
	for _, item := range gjson.ParseBytes(resp.Body()).Array() {
		if e := employeeOf(item); e.ID != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// employeeOf tolerates numeric ids.
func employeeOf(r gjson.Result) Employee {
	return Employee{
		ID:       r.Get("id").String(),
		Name:     r.Get("name").String(),
		Position: r.Get("position").String(),
		Status:   r.Get("status").String(),
	}
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%s: %w %d", op, ErrUnexpectedStatus, resp.StatusCode())
	}
	return nil
}
