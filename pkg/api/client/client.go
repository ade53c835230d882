package client

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
)

// Client provides typed access to the SCRS API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
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
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
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

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Code: code, Message: msg}
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	if body == nil {
		return "", ""
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	return payload.Code, strings.TrimSpace(payload.Error)
}

// Session is the identity a participant device acts under.
type Session struct {
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name"`
	TeamCode  string    `json:"team_code"`
	DeviceID  string    `json:"device_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse captures the session grant emitted by the API.
type LoginResponse struct {
	Token   string  `json:"token"`
	Session Session `json:"session"`
}

// Login admits deviceID to the team owning code.
func (c *Client) Login(ctx context.Context, code, deviceID string) (LoginResponse, error) {
	body := map[string]string{
		"code":      code,
		"device_id": deviceID,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/session/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Logout releases the device behind token.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/session/logout", nil, token, nil)
}

// Session revalidates token against the server.
func (c *Client) Session(ctx context.Context, token string) (Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, token, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Heartbeat records activity for the device behind token.
func (c *Client) Heartbeat(ctx context.Context, token string) (Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/session/heartbeat", nil, token, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// MyTeam is the participant view of the caller's team.
type MyTeam struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Code    string   `json:"code"`
	Members []Member `json:"members"`
	Devices int      `json:"devices"`
}

// Team returns the roster and attendance of the caller's team.
func (c *Client) Team(ctx context.Context, token string) (MyTeam, error) {
	var t MyTeam
	if err := c.do(ctx, http.MethodGet, "/team", nil, token, &t); err != nil {
		return MyTeam{}, err
	}
	return t, nil
}

// Problem is a claimable problem statement.
type Problem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Capacity    int       `json:"capacity"`
	Visible     bool      `json:"visible"`
	Claimed     int       `json:"claimed"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ListProblems returns visible problems.
func (c *Client) ListProblems(ctx context.Context, token string) ([]Problem, error) {
	var problems []Problem
	if err := c.do(ctx, http.MethodGet, "/problems", nil, token, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}

// Window is the claiming window state.
type Window struct {
	IsOpen    bool      `json:"is_open"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Availability is a problem with its free slot count.
type Availability struct {
	ProblemID string `json:"problem_id"`
	Title     string `json:"title"`
	Capacity  int    `json:"capacity"`
	Claimed   int    `json:"claimed"`
	Remaining int    `json:"remaining"`
}

// AvailabilityResponse pairs the window with per-problem availability.
type AvailabilityResponse struct {
	Window       Window         `json:"window"`
	Availability []Availability `json:"availability"`
}

// Availability returns the window state and remaining slots.
func (c *Client) Availability(ctx context.Context, token string) (AvailabilityResponse, error) {
	var resp AvailabilityResponse
	if err := c.do(ctx, http.MethodGet, "/availability", nil, token, &resp); err != nil {
		return AvailabilityResponse{}, err
	}
	return resp, nil
}

// Claim binds a team to a problem.
type Claim struct {
	ID        string     `json:"id"`
	TeamID    string     `json:"team_id"`
	ProblemID string     `json:"problem_id"`
	CreatedAt time.Time  `json:"created_at"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
}

// MyClaim returns the caller's claim. A team without a claim gets a 404 APIError.
func (c *Client) MyClaim(ctx context.Context, token string) (Claim, error) {
	var claim Claim
	if err := c.do(ctx, http.MethodGet, "/claims/mine", nil, token, &claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// Claim requests problemID for the caller's team.
func (c *Client) Claim(ctx context.Context, token, problemID string) (Claim, error) {
	body := map[string]string{"problem_id": problemID}
	var claim Claim
	if err := c.do(ctx, http.MethodPost, "/claims", body, token, &claim); err != nil {
		return Claim{}, err
	}
	return claim, nil
}
