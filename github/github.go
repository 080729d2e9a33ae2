// Package github consumes the two repository-host operations the pipeline
// needs: content upserts and issue creation.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VertNet/usagestats/metrics"
)

// ErrAlreadyExists marks a content upsert that the host rejected because the
// file is already there (HTTP 422 without a diff target). Callers treat it
// as published.
var ErrAlreadyExists = errors.New("content already exists")

// RequestError carries the full response of a failed host call for logging.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("github request failed with HTTP %d: %s", e.StatusCode, e.Body)
}

type Committer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Client struct {
	baseURL   string
	token     string
	userAgent string
	committer Committer
	client    *http.Client
}

func NewClient(baseURL, token, userAgent string, committer Committer) *Client {
	return &Client{
		baseURL:   baseURL,
		token:     token,
		userAgent: userAgent,
		committer: committer,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

// StoreFile uploads content at the given repository path. The commit message
// is the second line of the content, matching the rendered report header.
// Returns nil on creation, ErrAlreadyExists if the file was already there,
// and a *RequestError for anything else.
func (c *Client) StoreFile(ctx context.Context, org, repo, path, message, content string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"message":   message,
		"committer": c.committer,
		"content":   base64.StdEncoding.EncodeToString([]byte(content)),
	})
	if err != nil {
		return err
	}

	requestURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, org, repo, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, requestURL,
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.PublishCalls.WithLabelValues("store", "transport_error").Inc()
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		metrics.PublishCalls.WithLabelValues("store", "created").Inc()
		return nil
	case http.StatusUnprocessableEntity:
		// 422 means the file exists and no SHA was given to update it.
		metrics.PublishCalls.WithLabelValues("store", "already_exists").Inc()
		return ErrAlreadyExists
	default:
		metrics.PublishCalls.WithLabelValues("store", "error").Inc()
		return &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// CheckRepo reports whether a repository exists and is reachable with the
// configured credentials.
func (c *Client) CheckRepo(ctx context.Context, org, repo string) (bool, error) {
	requestURL := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, org, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return false, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.PublishCalls.WithLabelValues("check", "transport_error").Inc()
		return false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		metrics.PublishCalls.WithLabelValues("check", "found").Inc()
		return true, nil
	case http.StatusNotFound:
		metrics.PublishCalls.WithLabelValues("check", "missing").Inc()
		return false, nil
	default:
		metrics.PublishCalls.WithLabelValues("check", "error").Inc()
		return false, &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// CreateIssue opens an issue on the given repository. Returns nil on
// creation and a *RequestError for anything else.
func (c *Client) CreateIssue(ctx context.Context, org, repo, title, body string, labels []string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"title":  title,
		"body":   body,
		"labels": labels,
	})
	if err != nil {
		return err
	}

	requestURL := fmt.Sprintf("%s/repos/%s/%s/issues", c.baseURL, org, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL,
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.PublishCalls.WithLabelValues("issue", "transport_error").Inc()
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		metrics.PublishCalls.WithLabelValues("issue", "error").Inc()
		return &RequestError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	metrics.PublishCalls.WithLabelValues("issue", "created").Inc()
	return nil
}
