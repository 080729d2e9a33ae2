package carto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VertNet/usagestats/model"
)

func TestQueryReturnsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "select 1", r.Form.Get("q"))
		assert.Equal(t, "secret", r.Form.Get("api_key"))
		w.Write([]byte(`{"rows": [{"a": 1}, {"a": 2}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 3, time.Millisecond)
	rows, err := c.Query(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQueryRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.Write([]byte(`{"error": ["over capacity"]}`))
			return
		}
		w.Write([]byte(`{"rows": [{"a": 1}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 3, time.Millisecond)
	rows, err := c.Query(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 3, attempts)
}

func TestQueryGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write([]byte(`{"error": ["boom"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 3, time.Millisecond)
	_, err := c.Query(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 3, attempts)
}

func TestQueryLogRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows": [
			{"cartodb_id": 7, "lat": 42.1, "lon": -1.5,
			 "created_at": "2016-03-15T10:00:00Z",
			 "query_terms": "genus:puma",
			 "response_records": 12,
			 "results_by_resource": "{\"r1\": 12}"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 1, time.Millisecond)
	rows, err := c.QueryLogRows(context.Background(), "select *")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].CartoDBID)
	assert.Equal(t, "genus:puma", rows[0].QueryTerms)
	assert.Equal(t, int64(12), rows[0].ResponseRecords)
}

func TestEventQueryDownloads(t *testing.T) {
	q := EventQuery(model.KindDownload, "query_log_master")
	assert.Contains(t, q, "FROM query_log_master")
	assert.Contains(t, q, "type='download'")
	assert.Contains(t, q, "octet_length(query)<=1500")
	assert.Contains(t, q, "download IS NOT NULL")
	assert.Contains(t, q, "client='portal-prod'")
}

func TestEventQuerySearches(t *testing.T) {
	q := EventQuery(model.KindSearch, "some_table")
	assert.Contains(t, q, "FROM some_table")
	assert.Contains(t, q, "left(type, 5)='query'")
	assert.Contains(t, q, "results_by_resource != '{}'")
	assert.False(t, strings.Contains(q, "type='download'"))
}

func TestAddTimeLimit(t *testing.T) {
	q := AddTimeLimit("select 1", time.Date(2016, 4, 2, 0, 0, 0, 0, time.UTC))
	assert.Contains(t, q, "extract(year from created_at)=2016")
	assert.Contains(t, q, "extract(month from created_at)=3")
}

func TestAddTimeLimitJanuaryWrapsToDecember(t *testing.T) {
	q := AddTimeLimit("select 1", time.Date(2016, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Contains(t, q, "extract(year from created_at)=2015")
	assert.Contains(t, q, "extract(month from created_at)=12")
}
