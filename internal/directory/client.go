// Package directory implements the HTTP clients for chatcore's backend
// collaborators: the session directory (lookup, history, rotation, message
// exchange, project lists) and the authentication service.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/session"
	"chatcore/internal/types"
)

// Client talks to the session directory service. It implements
// session.Directory and session.ProjectSource (usually wrapped by
// ProjectCache).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a directory client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Wire types. The backend speaks snake_case JSON.

type lookupResponse struct {
	SessionID string          `json:"session_id,omitempty"`
	Messages  []types.Message `json:"messages"`
	Summaries []types.Summary `json:"summaries"`
}

type historyResponse struct {
	Messages []types.Message `json:"messages"`
}

type rotateRequest struct {
	RoleID    int64  `json:"role_id"`
	ProjectID int64  `json:"project_id"`
	SessionID string `json:"session_id"`
}

type rotateResponse struct {
	NewSessionID string         `json:"new_session_id,omitempty"`
	Divider      *types.Message `json:"divider_message,omitempty"`
}

type projectsResponse struct {
	Projects []types.Project `json:"projects"`
}

type exchangeRequest struct {
	RoleID    int64  `json:"role_id"`
	ProjectID int64  `json:"project_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ExchangeResult is the backend's answer to a message exchange. SessionID
// may differ from the locally held placeholder, in which case the caller
// must adopt it.
type ExchangeResult struct {
	Reply     types.Message `json:"message"`
	SessionID string        `json:"session_id,omitempty"`
}

// Lookup asks the directory for the last known session of a (role,
// project) pair. An empty SessionID in the result means no prior session.
func (c *Client) Lookup(ctx context.Context, roleID, projectID int64) (session.LookupResult, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "Lookup")
	defer timer.Stop()

	url := fmt.Sprintf("%s/v1/sessions/lookup?role_id=%d&project_id=%d", c.baseURL, roleID, projectID)
	var resp lookupResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return session.LookupResult{}, fmt.Errorf("directory lookup: %w", err)
	}

	logging.DirectoryDebug("Lookup role=%d project=%d -> session=%q messages=%d summaries=%d",
		roleID, projectID, resp.SessionID, len(resp.Messages), len(resp.Summaries))
	return session.LookupResult{
		SessionID: resp.SessionID,
		Messages:  resp.Messages,
		Summaries: resp.Summaries,
	}, nil
}

// History fetches the canonical message history for a session.
func (c *Client) History(ctx context.Context, projectID, roleID int64, sessionID string) ([]types.Message, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "History")
	defer timer.Stop()

	url := fmt.Sprintf("%s/v1/sessions/%s/history?project_id=%d&role_id=%d",
		c.baseURL, sessionID, projectID, roleID)
	var resp historyResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("history fetch: %w", err)
	}
	return resp.Messages, nil
}

// RotateSession asks the backend to replace the active session (typically
// after summarization).
func (c *Client) RotateSession(ctx context.Context, roleID, projectID int64, sessionID string) (session.RotateResult, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "RotateSession")
	defer timer.Stop()

	var resp rotateResponse
	err := c.postJSON(ctx, c.baseURL+"/v1/sessions/rotate",
		rotateRequest{RoleID: roleID, ProjectID: projectID, SessionID: sessionID}, &resp)
	if err != nil {
		return session.RotateResult{}, fmt.Errorf("rotate session: %w", err)
	}
	return session.RotateResult{NewSessionID: resp.NewSessionID, Divider: resp.Divider}, nil
}

// Projects fetches the project list for a role.
func (c *Client) Projects(ctx context.Context, roleID int64) ([]types.Project, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "Projects")
	defer timer.Stop()

	url := fmt.Sprintf("%s/v1/roles/%d/projects", c.baseURL, roleID)
	var resp projectsResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("project list: %w", err)
	}
	return resp.Projects, nil
}

// SendMessage performs one message exchange with the chat backend. The
// response may carry an authoritative session id for adoption.
func (c *Client) SendMessage(ctx context.Context, roleID, projectID int64, sessionID, text string) (ExchangeResult, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "SendMessage")
	defer timer.Stop()

	var resp ExchangeResult
	err := c.postJSON(ctx, c.baseURL+"/v1/messages",
		exchangeRequest{RoleID: roleID, ProjectID: projectID, SessionID: sessionID, Text: text}, &resp)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("message exchange: %w", err)
	}
	return resp, nil
}

// getJSON performs a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// postJSON performs a POST with a JSON body and decodes the response.
func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
