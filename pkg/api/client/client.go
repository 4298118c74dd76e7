package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/splax/teamgate/internal/siwe"
)

const (
	defaultStatement = "Sign in to teamgate."
	loginValidity    = 10 * time.Minute
	mainnetChainID   = 1
)

// Client provides typed access to the teamgate API. It keeps the sealed
// session cookie in its own jar, so one Client is one browser-like session.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	chainID    int64
	now        func() time.Time
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. A client without a
// cookie jar gets a fresh one.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithChainID sets the chain id written into sign-in messages.
func WithChainID(id int64) Option {
	return func(c *Client) {
		if id > 0 {
			c.chainID = id
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		chainID:    mainnetChainID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cli)
	}
	if cli.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		clone := *cli.httpClient
		clone.Jar = jar
		cli.httpClient = &clone
	}
	return cli, nil
}

// Cookies returns the session cookies currently held for the API.
func (c *Client) Cookies() []*http.Cookie {
	return c.httpClient.Jar.Cookies(c.baseURL)
}

// SetCookies restores previously saved session cookies.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.httpClient.Jar.SetCookies(c.baseURL, cookies)
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	data, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, extractError(resp.StatusCode, data)
	}
	return data, nil
}

func extractError(status int, data []byte) APIError {
	apiErr := APIError{Status: status}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = strings.TrimSpace(payload.Error)
	return apiErr
}

// Signer produces personal_sign signatures for an account.
type Signer interface {
	Address() string
	Sign(message string) string
}

// Session mirrors the public session view.
type Session struct {
	UserID        string `json:"userId"`
	TeamID        string `json:"teamId"`
	Authenticated bool   `json:"authenticated"`
}

// Nonce asks the API for the nonce bound to the current session.
func (c *Client) Nonce(ctx context.Context) (string, error) {
	data, err := c.doRaw(ctx, http.MethodPut, "/auth/nonce", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Login runs the Sign-In with Ethereum exchange for signer and returns the
// resulting session.
func (c *Client) Login(ctx context.Context, signer Signer) (Session, error) {
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("fetch nonce: %w", err)
	}
	issued := c.now().UTC().Truncate(time.Second)
	expires := issued.Add(loginValidity)
	msg := siwe.Message{
		Domain:         c.baseURL.Host,
		Address:        signer.Address(),
		Statement:      defaultStatement,
		URI:            c.baseURL.String(),
		Version:        "1",
		ChainID:        c.chainID,
		Nonce:          nonce,
		IssuedAt:       issued,
		ExpirationTime: &expires,
	}
	text := msg.String()
	body := map[string]string{
		"message":   text,
		"signature": signer.Sign(text),
	}
	if err := c.do(ctx, http.MethodPost, "/auth/verify", body, nil); err != nil {
		return Session{}, err
	}
	return c.Session(ctx)
}

// Session returns the public view of the current session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/auth/session", nil, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Logout clears the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/auth/session", nil, nil)
}

// Team represents a team as seen by the caller.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Role      string    `json:"role,omitempty"`
	Active    bool      `json:"active,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Member is one row of a team's member list.
type Member struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Overview is the active team with the caller's role and its members.
type Overview struct {
	Team    Team     `json:"team"`
	Role    string   `json:"role"`
	Members []Member `json:"members"`
}

// ListTeams returns every team the caller belongs to.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var resp struct {
		Teams []Team `json:"teams"`
	}
	if err := c.do(ctx, http.MethodGet, "/teams", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// CreateTeam creates an organization team and makes it active.
func (c *Client) CreateTeam(ctx context.Context, name string) (Team, error) {
	var team Team
	if err := c.do(ctx, http.MethodPost, "/teams", map[string]string{"name": name}, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// SwitchTeam makes teamID the active team.
func (c *Client) SwitchTeam(ctx context.Context, teamID string) (Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/teams/switch", map[string]string{"teamId": teamID}, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Team returns the active team overview.
func (c *Client) Team(ctx context.Context) (Overview, error) {
	var overview Overview
	if err := c.do(ctx, http.MethodGet, "/team", nil, &overview); err != nil {
		return Overview{}, err
	}
	return overview, nil
}

// UpdateTeam renames the active team and sets its avatar.
func (c *Client) UpdateTeam(ctx context.Context, name, avatarURL string) (Team, error) {
	body := map[string]string{"name": name, "avatarUrl": avatarURL}
	var team Team
	if err := c.do(ctx, http.MethodPatch, "/team", body, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// DeleteTeam deletes the active team; the session moves to the personal team.
func (c *Client) DeleteTeam(ctx context.Context) (Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodDelete, "/team", nil, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// InviteMember adds an address or ENS name to the active team.
func (c *Client) InviteMember(ctx context.Context, addressOrName string) (Member, error) {
	var member Member
	if err := c.do(ctx, http.MethodPost, "/team/members", map[string]string{"address": addressOrName}, &member); err != nil {
		return Member{}, err
	}
	return member, nil
}

// UpdateMember applies action ("owner", "admin", "member" or "delete") to a
// member of the active team.
func (c *Client) UpdateMember(ctx context.Context, userID, action string) (Session, error) {
	path := "/team/members/" + url.PathEscape(userID)
	var sess Session
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"action": action}, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}
