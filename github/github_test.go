package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return NewClient(url, "token123", "TestAgent",
		Committer{Name: "Tester", Email: "tester@example.org"})
}

func TestStoreFileCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/repos/org/repo/contents/reports/a.txt", r.URL.Path)
		assert.Equal(t, "token token123", r.Header.Get("Authorization"))
		assert.Equal(t, "TestAgent", r.Header.Get("User-Agent"))

		var payload struct {
			Message   string    `json:"message"`
			Committer Committer `json:"committer"`
			Content   string    `json:"content"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "monthly report", payload.Message)
		assert.Equal(t, "Tester", payload.Committer.Name)

		decoded, err := base64.StdEncoding.DecodeString(payload.Content)
		require.NoError(t, err)
		assert.Equal(t, "report body", string(decoded))

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient(srv.URL).StoreFile(context.Background(),
		"org", "repo", "reports/a.txt", "monthly report", "report body")
	assert.NoError(t, err)
}

func TestStoreFileAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Invalid request. \"sha\" wasn't supplied."}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).StoreFile(context.Background(),
		"org", "repo", "reports/a.txt", "msg", "body")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStoreFileOtherErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).StoreFile(context.Background(),
		"org", "repo", "reports/a.txt", "msg", "body")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "Not Found")
}

func TestCreateIssueCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/org/repo/issues", r.URL.Path)

		var payload struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "report title", payload.Title)
		assert.Equal(t, []string{"report"}, payload.Labels)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient(srv.URL).CreateIssue(context.Background(),
		"org", "repo", "report title", "report body", []string{"report"})
	assert.NoError(t, err)
}

func TestCreateIssueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"message": "Issues are disabled for this repo"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).CreateIssue(context.Background(),
		"org", "repo", "t", "b", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusGone, reqErr.StatusCode)
}

func TestCheckRepoFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/repos/org/repo", r.URL.Path)
		w.Write([]byte(`{"full_name": "org/repo"}`))
	}))
	defer srv.Close()

	exists, err := testClient(srv.URL).CheckRepo(context.Background(), "org", "repo")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCheckRepoMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exists, err := testClient(srv.URL).CheckRepo(context.Background(), "org", "gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCheckRepoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "rate limited"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CheckRepo(context.Background(), "org", "repo")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
}
