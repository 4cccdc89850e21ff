// Package jira is a minimal Jira Cloud / Server client covering what run
// orchestration needs: JQL search, single-issue fetch and commenting.
package jira

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

	"github.com/hochfrequenz/j2pr/internal/config"
)

// Issue is a ticket as returned by Jira
type Issue struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// Summary returns the issue summary field
func (i Issue) Summary() string {
	s, _ := i.Fields["summary"].(string)
	return s
}

// Description flattens the description field to plain text. API v3
// returns Atlassian Document Format, v2 returns a string.
func (i Issue) Description() string {
	switch v := i.Fields["description"].(type) {
	case string:
		return v
	case map[string]any:
		var sb strings.Builder
		flattenADF(v, &sb)
		return strings.TrimSpace(sb.String())
	default:
		return ""
	}
}

func flattenADF(node map[string]any, sb *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		sb.WriteString(text)
	}
	if nodeType, _ := node["type"].(string); nodeType == "paragraph" || nodeType == "heading" {
		defer sb.WriteString("\n")
	}
	if content, ok := node["content"].([]any); ok {
		for _, child := range content {
			if m, ok := child.(map[string]any); ok {
				flattenADF(m, sb)
			}
		}
	}
}

// APIError is a non-2xx response from Jira
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("jira request failed (%d): %s %s", e.StatusCode, e.URL, body)
}

// Auth reports whether the failure is a credential problem that retrying
// cannot fix.
func (e *APIError) Auth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Transient reports whether the failure is worth retrying
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to one Jira instance with basic auth
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	apiVersion int
	fields     []string
	http       *http.Client
}

// NewClient builds a Client from the jira config section
func NewClient(cfg config.JiraConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		email:      cfg.Email,
		apiToken:   cfg.APIToken,
		apiVersion: cfg.APIVersion,
		fields:     cfg.Fields,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

type searchResponse struct {
	Issues []Issue `json:"issues"`
}

// Search runs a JQL query. Jira Cloud moved search to /search/jql; Server
// and Data Center still serve the legacy /search endpoint, some of them
// GET-only, so the client walks down: POST /search/jql, POST /search,
// GET /search.
func (c *Client) Search(ctx context.Context, jql string, limit int) ([]Issue, error) {
	payload := map[string]any{
		"jql":        jql,
		"maxResults": limit,
		"fields":     c.fields,
	}

	resp, err := c.postJSON(ctx, c.apiURL("search/jql"), payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusGone {
		drain(resp)
		resp, err = c.postJSON(ctx, c.apiURL("search"), payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusGone {
			drain(resp)
			q := url.Values{
				"jql":        {jql},
				"maxResults": {strconv.Itoa(limit)},
				"fields":     {strings.Join(c.fields, ",")},
			}
			resp, err = c.get(ctx, c.apiURL("search")+"?"+q.Encode())
			if err != nil {
				return nil, err
			}
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read jira response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body)}
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode jira search response: %w", err)
	}
	return out.Issues, nil
}

// Get fetches a single issue by key. Returns nil when the key does not
// exist or is not visible to the credentials.
func (c *Client) Get(ctx context.Context, key string) (*Issue, error) {
	issues, err := c.Search(ctx, "key = "+key, 1)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return &issues[0], nil
}

// AddComment posts a plain comment on an issue
func (c *Client) AddComment(ctx context.Context, key, comment string) error {
	var payload any = map[string]string{"body": comment}
	if c.apiVersion >= 3 {
		payload = map[string]any{
			"body": map[string]any{
				"type":    "doc",
				"version": 1,
				"content": []any{
					map[string]any{
						"type": "paragraph",
						"content": []any{
							map[string]any{"type": "text", "text": comment},
						},
					},
				},
			},
		}
	}

	resp, err := c.postJSON(ctx, c.apiURL("issue/"+key+"/comment"), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body)}
	}
	return nil
}

// AddLabel attaches a label to an issue without touching other fields
func (c *Client) AddLabel(ctx context.Context, key, label string) error {
	payload := map[string]any{
		"update": map[string]any{
			"labels": []any{map[string]string{"add": label}},
		},
	}
	resp, err := c.sendJSON(ctx, http.MethodPut, c.apiURL("issue/"+key), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body)}
	}
	return nil
}

func (c *Client) apiURL(path string) string {
	return fmt.Sprintf("%s/rest/api/%d/%s", c.baseURL, c.apiVersion, path)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	return c.sendJSON(ctx, http.MethodPost, url, payload)
}

func (c *Client) sendJSON(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode jira payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.email, c.apiToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira request: %w", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
