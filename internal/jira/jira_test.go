package jira

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/j2pr/internal/config"
)

func testClient(url string) *Client {
	return NewClient(config.JiraConfig{
		BaseURL:    url,
		Email:      "bot@example.com",
		APIToken:   "tok",
		APIVersion: 3,
		Fields:     []string{"summary", "description", "labels"},
	})
}

func TestSearchUsesJQLEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/3/search/jql", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "tok", pass)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "project = PROJ", payload["jql"])
		assert.Equal(t, float64(20), payload["maxResults"])

		json.NewEncoder(w).Encode(map[string]any{
			"issues": []map[string]any{
				{"key": "PROJ-1", "fields": map[string]any{"summary": "First"}},
			},
		})
	}))
	defer srv.Close()

	issues, err := testClient(srv.URL).Search(context.Background(), "project = PROJ", 20)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "PROJ-1", issues[0].Key)
	assert.Equal(t, "First", issues[0].Summary())
}

func TestSearchFallsBackToLegacyPost(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/rest/api/3/search/jql" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"issues": []map[string]any{{"key": "PROJ-2"}}})
	}))
	defer srv.Close()

	issues, err := testClient(srv.URL).Search(context.Background(), "key = PROJ-2", 1)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, []string{"/rest/api/3/search/jql", "/rest/api/3/search"}, paths)
}

func TestSearchFallsBackToLegacyGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/api/3/search/jql" {
			w.WriteHeader(http.StatusGone)
			return
		}
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "key = PROJ-3", r.URL.Query().Get("jql"))
		assert.Equal(t, "summary,description,labels", r.URL.Query().Get("fields"))
		json.NewEncoder(w).Encode(map[string]any{"issues": []map[string]any{{"key": "PROJ-3"}}})
	}))
	defer srv.Close()

	issues, err := testClient(srv.URL).Search(context.Background(), "key = PROJ-3", 1)
	require.NoError(t, err)
	require.Len(t, issues, 1)
}

func TestSearchAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), "project = PROJ", 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Auth())
	assert.False(t, apiErr.Transient())
}

func TestSearchTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Search(context.Background(), "project = PROJ", 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Transient())
}

func TestGetReturnsNilWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"issues": []any{}})
	}))
	defer srv.Close()

	issue, err := testClient(srv.URL).Get(context.Background(), "PROJ-404")
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestAddCommentSendsADF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/3/issue/PROJ-1/comment", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		body, ok := payload["body"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "doc", body["type"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient(srv.URL).AddComment(context.Background(), "PROJ-1", "PR opened")
	require.NoError(t, err)
}

func TestAddLabelSendsUpdatePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/3/issue/PROJ-1", r.URL.Path)
		require.Equal(t, http.MethodPut, r.Method)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		update, ok := payload["update"].(map[string]any)
		require.True(t, ok)
		labels, ok := update["labels"].([]any)
		require.True(t, ok)
		require.Len(t, labels, 1)
		assert.Equal(t, map[string]any{"add": "j2pr-running"}, labels[0])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(srv.URL).AddLabel(context.Background(), "PROJ-1", "j2pr-running")
	require.NoError(t, err)
}

func TestDescriptionFlattensADF(t *testing.T) {
	issue := Issue{Fields: map[string]any{
		"description": map[string]any{
			"type": "doc",
			"content": []any{
				map[string]any{
					"type": "paragraph",
					"content": []any{
						map[string]any{"type": "text", "text": "First line."},
					},
				},
				map[string]any{
					"type": "paragraph",
					"content": []any{
						map[string]any{"type": "text", "text": "Second line."},
					},
				},
			},
		},
	}}
	assert.Equal(t, "First line.\nSecond line.", issue.Description())
}
