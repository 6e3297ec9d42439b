// Package matrix is a small Matrix Client-Server API client covering what a
// single-room timeline view needs: login, join, sync, backwards pagination,
// sending, room state and invites.
package matrix

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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shawkym/mxview/internal/version"
	"github.com/shawkym/mxview/pkg/log"
	"github.com/shawkym/mxview/pkg/metrics"
	"github.com/shawkym/mxview/pkg/ratelimit"
)

const (
	defaultTimeout = 15 * time.Second
	defaultBackoff = time.Second
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	// Timeout bounds every request except the sync long-poll, which gets
	// its own timeout on top.
	Timeout time.Duration
	// RateLimit and Burst configure the per-homeserver token bucket.
	// RateLimit <= 0 disables it.
	RateLimit float64
	Burst     int
	// WriteRate spaces state-changing calls, in calls per second.
	WriteRate float64
	// MaxRetries bounds retries on 429, 5xx and transport errors.
	MaxRetries int
	// Backoff is the base of the exponential backoff between retries.
	Backoff time.Duration

	Metrics    *metrics.Metrics
	HTTPClient *http.Client
}

// Client provides Matrix Client-Server API operations for one user.
type Client struct {
	baseURL     string
	accessToken string
	userID      string
	httpClient  *http.Client
	timeout     time.Duration
	maxRetries  int
	backoff     time.Duration
	limiter     *ratelimit.Limiter
	pacer       *Pacer
	metrics     *metrics.Metrics
}

// NewClient creates a client for baseURL authenticated with accessToken.
func NewClient(baseURL, accessToken, userID string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:     cleanBaseURL(baseURL),
		accessToken: accessToken,
		userID:      userID,
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		maxRetries:  opts.MaxRetries,
		backoff:     opts.Backoff,
		limiter:     limiterFor(baseURL, opts.RateLimit, opts.Burst),
		pacer:       pacerFor(baseURL, opts.WriteRate),
		metrics:     opts.Metrics,
	}
}

// UserID returns the Matrix user ID for this client.
func (c *Client) UserID() string {
	return c.userID
}

// AccessToken returns the access token for this client.
func (c *Client) AccessToken() string {
	return c.accessToken
}

// BaseURL returns the homeserver base URL without any /_matrix suffix.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoginWithPassword logs in and returns the new access token and the user
// ID the server assigned.
func LoginWithPassword(ctx context.Context, baseURL, userID, password string, opts Options) (string, string, error) {
	c := NewClient(baseURL, "", "", opts)

	payload := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]interface{}{
			"type": "m.id.user",
			"user": localpart(userID),
		},
		"password":                    password,
		"initial_device_display_name": "mxview",
	}

	var result struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := c.do(ctx, request{call: "login", method: http.MethodPost, path: "/login", body: payload}, &result); err != nil {
		return "", "", err
	}
	if result.AccessToken == "" {
		return "", "", fmt.Errorf("login response missing access_token")
	}
	return result.AccessToken, result.UserID, nil
}

// JoinRoom joins a room by ID or alias and returns the resolved room ID.
func (c *Client) JoinRoom(ctx context.Context, room string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("room is required")
	}

	query := url.Values{}
	if domain := extractRoomDomain(room); domain != "" {
		query.Set("server_name", domain)
	}

	var result struct {
		RoomID string `json:"room_id"`
	}
	err := c.do(ctx, request{
		call:   "join",
		method: http.MethodPost,
		path:   "/join/" + url.PathEscape(room),
		query:  query,
		body:   map[string]interface{}{},
		paced:  true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.RoomID == "" {
		return "", fmt.Errorf("join response missing room_id")
	}
	return result.RoomID, nil
}

// Sync performs a single sync request. timeout is the server-side long-poll
// duration.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration, filter string) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if timeout > 0 {
		query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}
	if filter != "" {
		query.Set("filter", filter)
	}
	query.Set("set_presence", "offline")

	var result SyncResponse
	err := c.do(ctx, request{
		call:    "sync",
		method:  http.MethodGet,
		path:    "/sync",
		query:   query,
		timeout: c.timeout + timeout,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Messages pages through a room's history. dir is "b" for backwards. An
// empty from starts at the live end.
func (c *Client) Messages(ctx context.Context, roomID, from, dir string, limit int) (*MessagesResponse, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room ID is required")
	}
	if dir == "" {
		dir = "b"
	}
	query := url.Values{}
	query.Set("dir", dir)
	if from != "" {
		query.Set("from", from)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var result MessagesResponse
	err := c.do(ctx, request{
		call:   "messages",
		method: http.MethodGet,
		path:   "/rooms/" + url.PathEscape(roomID) + "/messages",
		query:  query,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// NewTxnID returns a fresh transaction ID for SendEvent.
func NewTxnID() string {
	return "mxview-" + uuid.NewString()
}

// SendEvent sends a room event under txnID and returns its event ID.
// Reusing a txnID makes the send idempotent.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType, txnID string, content interface{}) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("room ID is required")
	}
	if txnID == "" {
		txnID = NewTxnID()
	}

	var result struct {
		EventID string `json:"event_id"`
	}
	err := c.do(ctx, request{
		call:   "send",
		method: http.MethodPut,
		path: fmt.Sprintf("/rooms/%s/send/%s/%s",
			url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(txnID)),
		body:  content,
		paced: true,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.EventID, nil
}

// SendMessage sends an m.text message. Blank bodies are not sent.
func (c *Client) SendMessage(ctx context.Context, roomID, txnID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	return c.SendEvent(ctx, roomID, "m.room.message", txnID, map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	})
}

// SendStateEvent sets the state event (eventType, stateKey) of a room.
func (c *Client) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("room ID is required")
	}
	path := fmt.Sprintf("/rooms/%s/state/%s", url.PathEscape(roomID), url.PathEscape(eventType))
	if stateKey != "" {
		path += "/" + url.PathEscape(stateKey)
	}

	var result struct {
		EventID string `json:"event_id"`
	}
	err := c.do(ctx, request{
		call:   "state",
		method: http.MethodPut,
		path:   path,
		body:   content,
		paced:  true,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.EventID, nil
}

// SetRoomName sets m.room.name.
func (c *Client) SetRoomName(ctx context.Context, roomID, name string) error {
	_, err := c.SendStateEvent(ctx, roomID, "m.room.name", "", map[string]interface{}{"name": name})
	return err
}

// SetRoomTopic sets m.room.topic.
func (c *Client) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	_, err := c.SendStateEvent(ctx, roomID, "m.room.topic", "", map[string]interface{}{"topic": topic})
	return err
}

// InviteUser invites userID to a room.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	return c.do(ctx, request{
		call:   "invite",
		method: http.MethodPost,
		path:   "/rooms/" + url.PathEscape(roomID) + "/invite",
		body:   map[string]interface{}{"user_id": userID},
		paced:  true,
	}, nil)
}

// CreateRoom creates a room and returns its ID.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	var result struct {
		RoomID string `json:"room_id"`
	}
	err := c.do(ctx, request{
		call:   "create_room",
		method: http.MethodPost,
		path:   "/createRoom",
		body:   req,
		paced:  true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.RoomID == "" {
		return "", fmt.Errorf("createRoom response missing room_id")
	}
	return result.RoomID, nil
}

// SendTyping publishes our own typing state.
func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if c.userID == "" {
		return fmt.Errorf("user ID is required")
	}
	body := map[string]interface{}{"typing": typing}
	if typing && timeout > 0 {
		body["timeout"] = timeout.Milliseconds()
	}
	return c.do(ctx, request{
		call:   "typing",
		method: http.MethodPut,
		path:   fmt.Sprintf("/rooms/%s/typing/%s", url.PathEscape(roomID), url.PathEscape(c.userID)),
		body:   body,
	}, nil)
}

type request struct {
	call    string
	method  string
	path    string
	query   url.Values
	body    interface{}
	timeout time.Duration
	// paced calls take a slot from the write pacer.
	paced bool
}

// do performs req with rate limiting and retries and decodes a 2xx body
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	var payload []byte
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", req.call, err)
		}
		payload = data
	}

	endpoint := c.baseURL + "/_matrix/client/" + version.APIVersion + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := waitForLimiter(ctx, c.limiter); err != nil {
			return err
		}
		if err := c.pacer.Wait(ctx, req.call, req.paced); err != nil {
			return err
		}

		status, body, err := c.roundTrip(ctx, req, endpoint, payload, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%s request failed: %w", req.call, err)
		} else {
			if status >= 200 && status < 300 {
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(body, out); err != nil {
					return fmt.Errorf("failed to parse %s response: %w", req.call, err)
				}
				return nil
			}

			if status == http.StatusUnauthorized && isUnknownToken(body) {
				return ErrInvalidToken
			}
			httpErr := newHTTPError(req.call, status, body)
			if status == http.StatusTooManyRequests {
				c.metrics.RecordRateLimit(req.call)
				if retryAfter := capRetryAfter(parseRetryAfter(body)); retryAfter > 0 && attempt < c.maxRetries {
					c.pacer.Pause(retryAfter)
					c.limiter.Cooldown(retryAfter)
					if err := sleepCtx(ctx, req.call, "retry_after", retryAfter); err != nil {
						return err
					}
					lastErr = httpErr
					continue
				}
			}
			if !httpErr.Retryable() {
				return httpErr
			}
			lastErr = httpErr
		}

		if attempt < c.maxRetries {
			if err := sleepCtx(ctx, req.call, "backoff", backoffFor(c.backoff, attempt)); err != nil {
				return err
			}
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%s failed after retries", req.call)
}

func (c *Client) roundTrip(ctx context.Context, req request, endpoint string, payload []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", req.call, err)
	}
	c.addAuth(httpReq)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordMatrixRequest(req.call, 0, time.Since(start).Seconds())
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.RecordMatrixRequest(req.call, resp.StatusCode, time.Since(start).Seconds())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s response: %w", req.call, err)
	}

	log.WithFields(map[string]interface{}{
		"call":        req.call,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("matrix api call")
	return resp.StatusCode, data, nil
}

func (c *Client) addAuth(req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}

// IsForbidden reports whether err is an M_FORBIDDEN response.
func IsForbidden(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && (httpErr.ErrCode == "M_FORBIDDEN" || httpErr.StatusCode == http.StatusForbidden)
}

func extractRoomDomain(room string) string {
	if idx := strings.Index(room, ":"); idx != -1 && idx+1 < len(room) {
		return room[idx+1:]
	}
	return ""
}

func cleanBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if idx := strings.Index(trimmed, "/_matrix"); idx != -1 {
		return trimmed[:idx]
	}
	return trimmed
}

func localpart(userID string) string {
	if strings.HasPrefix(userID, "@") {
		userID = strings.TrimPrefix(userID, "@")
		if idx := strings.Index(userID, ":"); idx != -1 {
			return userID[:idx]
		}
	}
	return userID
}
