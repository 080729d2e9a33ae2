// Package carto talks to the Carto-style analytical SQL store over HTTP.
package carto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VertNet/usagestats/metrics"
	"github.com/VertNet/usagestats/model"
)

// ErrMaxRetries signals that a query failed after exhausting all retry
// attempts. Callers surface it as an upstream-timeout condition.
var ErrMaxRetries = errors.New("query failed after maximum retries")

type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
}

func NewClient(baseURL, apiKey string, maxRetries int, retryDelay time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type queryResponse struct {
	Rows  []json.RawMessage `json:"rows"`
	Error []string          `json:"error"`
}

// Query runs a SQL statement and returns the raw rows. Transient failures
// are retried a bounded number of times with a fixed delay before giving
// up with ErrMaxRetries.
func (c *Client) Query(ctx context.Context, query string) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", c.apiKey)

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		rows, err := c.doQuery(ctx, params)
		if err == nil {
			log.Printf("Got response from %s, %d rows", c.baseURL, len(rows))
			return rows, nil
		}

		log.Printf("Warning, something went wrong with the query: %v", err)
		if attempt == c.maxRetries {
			break
		}
		log.Printf("Retrying in %v, attempt %d of %d", c.retryDelay, attempt+1, c.maxRetries)
		metrics.CartoQueryRetries.Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	log.Printf("Query failed after %d retries", c.maxRetries)
	return nil, ErrMaxRetries
}

func (c *Client) doQuery(ctx context.Context, params url.Values) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(qr.Error) > 0 {
		return nil, fmt.Errorf("query error: %s", strings.Join(qr.Error, "; "))
	}

	return qr.Rows, nil
}

// QueryLogRows runs a query and decodes each row as a query-log entry.
func (c *Client) QueryLogRows(ctx context.Context, query string) ([]model.LogRow, error) {
	raw, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	rows := make([]model.LogRow, 0, len(raw))
	for _, r := range raw {
		var row model.LogRow
		if err := json.Unmarshal(r, &row); err != nil {
			return nil, fmt.Errorf("decoding log row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EventQuery builds the extraction query for one event kind against the
// given log table. The octet_length restriction keeps oversized queries out
// of the result set.
func EventQuery(kind, tableName string) string {
	var query string
	if kind == model.KindDownload {
		query = "SELECT cartodb_id, lat, lon, created_at, " +
			"query AS query_terms, response_records, " +
			"results_by_resource " +
			"FROM " + tableName + " " +
			"WHERE type='download' " +
			"AND octet_length(query)<=1500 " +
			"AND download IS NOT NULL " +
			"AND download !=''"
	} else {
		query = "SELECT cartodb_id, lat, lon, created_at, " +
			"query AS query_terms, response_records, " +
			"results_by_resource " +
			"FROM " + tableName + " " +
			"WHERE left(type, 5)='query' " +
			"AND octet_length(query)<=1500 " +
			"AND results_by_resource IS NOT NULL " +
			"AND results_by_resource != '{}' " +
			"AND results_by_resource !=''"
	}

	// Just production portal events
	query += " and client='portal-prod'"

	return query
}

// AddTimeLimit restricts a query to the month preceding the given date.
func AddTimeLimit(query string, today time.Time) string {
	limitYear := today.Year()
	limitMonth := int(today.Month()) - 1
	if limitMonth == 0 {
		limitYear--
		limitMonth = 12
	}
	query += fmt.Sprintf(" and extract(year from created_at)=%d", limitYear)
	query += fmt.Sprintf(" and extract(month from created_at)=%d", limitMonth)
	return query
}
