// Package rest issues synchronous requests against the backend's HTTP API.
// Every call, whatever its outcome, produces exactly one outbound trace
// entry and exactly one inbound-or-failure trace entry. There are no
// retries: a failed call is reported once and the operator re-issues the
// command if they want another attempt.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thinkalike/console/internal/logging"
	"github.com/thinkalike/console/internal/trace"
)

var log = logging.L("rest")

// Endpoint names one backend route. Path segments in {braces} are filled
// from the params passed to Call.
type Endpoint struct {
	Method string
	Path   string
}

// Endpoints is the backend route table.
var Endpoints = map[string]Endpoint{
	"health":               {http.MethodGet, "/health"},
	"players_create":       {http.MethodPost, "/players"},
	"players_get":          {http.MethodGet, "/players/{player_id}"},
	"players_by_username":  {http.MethodGet, "/players/username/{username}"},
	"players_stats":        {http.MethodGet, "/players/{player_id}/stats"},
	"players_quests":       {http.MethodGet, "/players/{player_id}/quests"},
	"players_claim_reward": {http.MethodPost, "/players/{player_id}/claim-reward"},
	"rooms_list":           {http.MethodGet, "/rooms"},
	"rooms_details":        {http.MethodGet, "/rooms/{room_key}"},
	"rooms_join":           {http.MethodPost, "/rooms/join"},
	"rooms_quick_join":     {http.MethodPost, "/rooms/quick-join"},
	"rooms_leave":          {http.MethodPost, "/rooms/leave"},
	"rooms_skip":           {http.MethodPost, "/rooms/skip"},
	"rooms_events":         {http.MethodGet, "/rooms/{room_key}/events"},
	"game_start":           {http.MethodPost, "/rooms/{room_key}/start"},
	"game_pick":            {http.MethodPost, "/rooms/{room_key}/pick"},
	"game_reveal":          {http.MethodPost, "/rooms/{room_key}/reveal"},
	"leaderboard":          {http.MethodGet, "/leaderboard"},
	"game_stats":           {http.MethodGet, "/game/stats"},
}

// Result is a completed response. Body is raw JSON (or raw bytes if the
// backend returned something else).
type Result struct {
	Status int
	Body   json.RawMessage
}

// HTTPError is a non-2xx response: the request reached the backend and was
// refused. Distinct from network failures, which surface as wrapped
// transport errors.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(string(e.Body), 200))
}

// Client issues requests against one backend base URL.
type Client struct {
	base    string
	client  *http.Client
	sink    trace.Sink
	timeout time.Duration
}

// New builds a client. timeout bounds every call; a zero timeout is a
// configuration defect and is clamped to 30s rather than allowed to mean
// "wait forever".
func New(base string, timeout time.Duration, sink trace.Sink) *Client {
	if timeout <= 0 {
		log.Warn("request timeout missing, clamping", "timeout", timeout)
		timeout = 30 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		sink:    sink,
		timeout: timeout,
	}
}

// Call issues one request to the named endpoint and suspends until the
// response arrives, the timeout elapses, or ctx is cancelled. pathParams
// fill {segments} in the endpoint path; query and body may be nil.
func (c *Client) Call(ctx context.Context, name string, pathParams map[string]string, query url.Values, body any) (Result, error) {
	ep, ok := Endpoints[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown endpoint %q", name)
	}

	path := ep.Path
	for k, v := range pathParams {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	full := c.base + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return Result{}, fmt.Errorf("marshal %s body: %w", name, err)
		}
	}

	c.sink.Append(trace.Outbound, trace.REST, ep.Method+" "+full, bodyBytes)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, full, reader)
	if err != nil {
		c.sink.Append(trace.Inbound, trace.REST, "request failed", err)
		return Result{}, fmt.Errorf("build %s request: %w", name, err)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.sink.Append(trace.Inbound, trace.REST, "network failure", err)
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.sink.Append(trace.Inbound, trace.REST, "read failure", err)
		return Result{}, fmt.Errorf("read %s response: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Status: resp.StatusCode, Body: respBody}
		c.sink.Append(trace.Inbound, trace.REST, fmt.Sprintf("status %d", resp.StatusCode), truncate(string(respBody), 1000))
		return Result{}, httpErr
	}

	c.sink.Append(trace.Inbound, trace.REST, fmt.Sprintf("status %d", resp.StatusCode), truncate(string(respBody), 1000))
	return Result{Status: resp.StatusCode, Body: respBody}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
