package model

import (
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Event kinds tracked by the pipeline. Downloads are always extracted first.
const (
	KindDownload = "download"
	KindSearch   = "search"
)

// Period statuses.
const (
	StatusInProgress = "in progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Period identifies one monthly extraction. Document id is YYYYMM.
type Period struct {
	ID     string `bson:"_id" json:"period"`
	Year   int    `bson:"year" json:"year"`
	Month  int    `bson:"month" json:"month"`
	Status string `bson:"status" json:"status"`

	// Run configuration, the single source of truth for continuation tasks.
	Force       bool   `bson:"force" json:"force"`
	Testing     bool   `bson:"testing" json:"testing"`
	GitHubStore bool   `bson:"github_store" json:"github_store"`
	GitHubIssue bool   `bson:"github_issue" json:"github_issue"`
	TableName   string `bson:"table_name" json:"table_name"`

	// Extraction tracking.
	DownloadsExtracted bool `bson:"downloads_extracted" json:"downloads_extracted"`
	SearchesExtracted  bool `bson:"searches_extracted" json:"searches_extracted"`

	// Per-kind totals for the period.
	DownloadsInPeriod         int64 `bson:"downloads_in_period" json:"downloads_in_period"`
	RecordsDownloadedInPeriod int64 `bson:"records_downloaded_in_period" json:"records_downloaded_in_period"`
	SearchesInPeriod          int64 `bson:"searches_in_period" json:"searches_in_period"`
	RecordsSearchedInPeriod   int64 `bson:"records_searched_in_period" json:"records_searched_in_period"`

	// Aggregation progress. processed_X never exceeds X_to_process.
	DownloadsToProcess int64 `bson:"downloads_to_process" json:"downloads_to_process"`
	SearchesToProcess  int64 `bson:"searches_to_process" json:"searches_to_process"`
	ProcessedDownloads int64 `bson:"processed_downloads" json:"processed_downloads"`
	ProcessedSearches  int64 `bson:"processed_searches" json:"processed_searches"`

	Created time.Time `bson:"created" json:"created"`
}

// ParsePeriodID validates a YYYYMM period identifier.
func ParsePeriodID(period string) (year, month int, err error) {
	if len(period) != 6 {
		return 0, 0, fmt.Errorf("malformed period %q, should be YYYYMM (e.g., 201603)", period)
	}
	year, err = strconv.Atoi(period[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed period %q, should be YYYYMM (e.g., 201603)", period)
	}
	month, err = strconv.Atoi(period[4:])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("malformed period %q, month out of range", period)
	}
	return year, month, nil
}

// QueryCountry counts events originating from one country.
type QueryCountry struct {
	QueryCountry string `bson:"query_country" json:"query_country"`
	Times        int64  `bson:"times" json:"times"`
}

// QueryDate counts events on one calendar date (YYYY-MM-DD).
type QueryDate struct {
	QueryDate string `bson:"query_date" json:"query_date"`
	Times     int64  `bson:"times" json:"times"`
}

// QueryTerms counts events and records retrieved for one raw query string.
type QueryTerms struct {
	QueryTerms string `bson:"query_terms" json:"query_terms"`
	Times      int64  `bson:"times" json:"times"`
	Records    int64  `bson:"records" json:"records"`
}

// EventStats is the per-kind sub-record of a Report. Merges always replace
// the whole sub-record for a kind, never individual fields.
type EventStats struct {
	Events         int64          `bson:"events" json:"events"`
	Records        int64          `bson:"records" json:"records"`
	QueryCountries []QueryCountry `bson:"query_countries" json:"query_countries"`
	QueryDates     []QueryDate    `bson:"query_dates" json:"query_dates"`
	QueryTerms     []QueryTerms   `bson:"query_terms" json:"query_terms"`
}

// EmptyEventStats returns the zero sub-record used when a report is first
// created for one kind before the other kind has been aggregated.
func EmptyEventStats() EventStats {
	return EventStats{
		QueryCountries: []QueryCountry{},
		QueryDates:     []QueryDate{},
		QueryTerms:     []QueryTerms{},
	}
}

// Report is the durable per-(period, dataset) aggregate.
// Document id is "YYYYMM|gbifdatasetid".
type Report struct {
	ID            string     `bson:"_id" json:"id"`
	Created       time.Time  `bson:"created" json:"created"`
	PeriodID      string     `bson:"period_id" json:"reported_period"`
	GBIFDatasetID string     `bson:"gbifdatasetid" json:"reported_resource"`
	Searches      EventStats `bson:"searches" json:"searches"`
	Downloads     EventStats `bson:"downloads" json:"downloads"`
	Stored        bool       `bson:"stored" json:"stored"`
	IssueSent     bool       `bson:"issue_sent" json:"issue_sent"`
}

// Done reports whether the report has been both stored and notified.
func (r *Report) Done() bool {
	return r.Stored && r.IssueSent
}

// ReportID builds the report document id for a period and dataset.
func ReportID(period, gbifdatasetid string) string {
	return period + "|" + gbifdatasetid
}

// Aggregate is the partial per-dataset aggregate produced by one extraction
// pass, keyed breakdowns still in map form.
type Aggregate struct {
	Records   int64                 `bson:"records" json:"records"`
	Countries map[string]int64      `bson:"countries" json:"countries"`
	Dates     map[string]int64      `bson:"dates" json:"dates"`
	Terms     map[string]TermCounts `bson:"terms" json:"terms"`
}

// TermCounts tracks how often a query string occurred and how many records
// it retrieved for the dataset.
type TermCounts struct {
	Times   int64 `bson:"times" json:"times"`
	Records int64 `bson:"records" json:"records"`
}

// NewAggregate returns an empty aggregate ready for accumulation.
func NewAggregate() *Aggregate {
	return &Aggregate{
		Countries: map[string]int64{},
		Dates:     map[string]int64{},
		Terms:     map[string]TermCounts{},
	}
}

// Add folds one log event into the aggregate. records is the number of
// records the event returned for this dataset.
func (a *Aggregate) Add(country, date, terms string, records int64) {
	a.Records += records
	a.Countries[country]++
	a.Dates[date]++
	tc := a.Terms[terms]
	tc.Times++
	tc.Records += records
	a.Terms[terms] = tc
}

// PendingAggregate is the ephemeral work-queue row consumed by the
// aggregate processor. One per (period, dataset, kind).
type PendingAggregate struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	PeriodID      string             `bson:"period_id" json:"period_id"`
	Kind          string             `bson:"kind" json:"kind"`
	GBIFDatasetID string             `bson:"gbifdatasetid" json:"gbifdatasetid"`
	Aggregate     Aggregate          `bson:"aggregate" json:"aggregate"`
}

// Dataset describes a logical resource. Read-only from the pipeline's
// perspective; populated by the dataset setup endpoint.
type Dataset struct {
	ID              string `bson:"_id" json:"gbifdatasetid"`
	GBIFPublisherID string `bson:"gbifpublisherid" json:"gbifpublisherid"`
	URL             string `bson:"url" json:"url"`
	ICode           string `bson:"icode" json:"icode"`
	CCode           string `bson:"ccode" json:"ccode"`
	OrgName         string `bson:"orgname" json:"orgname"`
	GitHubOrgName   string `bson:"github_orgname" json:"github_orgname"`
	GitHubRepoName  string `bson:"github_reponame" json:"github_reponame"`
	SourceURL       string `bson:"source_url" json:"source_url"`
}

// LogRow is one raw row from the analytical query log.
type LogRow struct {
	CartoDBID         int64   `json:"cartodb_id"`
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	CreatedAt         string  `json:"created_at"`
	QueryTerms        string  `json:"query_terms"`
	ResponseRecords   int64   `json:"response_records"`
	ResultsByResource string  `json:"results_by_resource"`
}
