// Package pipeline implements the five-stage checkpointed report pipeline:
// period initialization, event extraction, aggregate processing and the two
// publishing stages. Each stage is an independently schedulable unit of
// work subject to a wall-clock deadline; progress is persisted between
// invocations and resumed through cursors.
package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

// Version is reported in summary emails and on the info metric.
const Version = "1.0.0"

// Statuses of the structured result document returned by every stage.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusInProgress = "in progress"
)

// Result is the user-visible outcome of one stage invocation.
type Result struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`

	// HTTP-equivalent code mirroring the condition.
	Code int `json:"-"`
}

func successResult(message string, data map[string]interface{}) *Result {
	return &Result{Status: StatusSuccess, Message: message, Data: data, Code: http.StatusOK}
}

func errorResult(code int, message string, data map[string]interface{}) *Result {
	return &Result{Status: StatusError, Message: message, Data: data, Code: code}
}

func inProgressResult(message string, data map[string]interface{}) *Result {
	return &Result{Status: StatusInProgress, Message: message, Data: data, Code: http.StatusOK}
}

// Store is the persistence surface the stages need.
type Store interface {
	GetPeriod(ctx context.Context, id string) (*model.Period, error)
	PutPeriod(ctx context.Context, p *model.Period) error
	DeletePeriod(ctx context.Context, id string) error
	MarkKindExtracted(ctx context.Context, periodID, kind string, events, records, toProcess int64) error
	IncProcessed(ctx context.Context, periodID string, downloads, searches int64) error
	SetPeriodStatus(ctx context.Context, periodID, status string) error

	GetReport(ctx context.Context, id string) (*model.Report, error)
	UpsertReport(ctx context.Context, r *model.Report) error
	DeleteReportsForPeriod(ctx context.Context, periodID string) (int64, error)
	SetReportStored(ctx context.Context, reportID string) error
	SetReportIssueSent(ctx context.Context, reportID string) error
	PageReportsToStore(ctx context.Context, periodID, datasetID, cursor string, limit int64) ([]model.Report, string, error)
	PageReportsToIssue(ctx context.Context, periodID, cursor string, limit int64) ([]model.Report, string, error)

	PurgePendingAggregates(ctx context.Context) (int64, error)
	InsertPendingAggregates(ctx context.Context, pending []model.PendingAggregate) error
	PagePendingAggregates(ctx context.Context, periodID string, cursor store.PendingCursor, limit int64) ([]model.PendingAggregate, store.PendingCursor, error)
	DeletePendingAggregates(ctx context.Context, pending []model.PendingAggregate) error

	GetDataset(ctx context.Context, id string) (*model.Dataset, error)

	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventSource runs extraction queries against the analytical store.
type EventSource interface {
	QueryLogRows(ctx context.Context, query string) ([]model.LogRow, error)
}

// CountryResolver resolves event coordinates to a country name.
type CountryResolver interface {
	Country(ctx context.Context, lat, lon float64) string
}

// RepoHost publishes report documents and notification issues.
type RepoHost interface {
	StoreFile(ctx context.Context, org, repo, path, message, content string) error
	CreateIssue(ctx context.Context, org, repo, title, body string, labels []string) error
}

// Notifier delivers fire-and-forget emails.
type Notifier interface {
	Send(to []string, subject, body string)
}

// TaskQueue chains stages through asynchronous tasks.
type TaskQueue interface {
	Enqueue(task queue.Task) error
}

type Pipeline struct {
	cfg      *config.Config
	store    Store
	carto    EventSource
	geocoder CountryResolver
	github   RepoHost
	mailer   Notifier
	queue    TaskQueue
}

func New(cfg *config.Config, st Store, ca EventSource, geo CountryResolver,
	gh RepoHost, ml Notifier, q TaskQueue) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		carto:    ca,
		geocoder: geo,
		github:   gh,
		mailer:   ml,
		queue:    q,
	}
}

// Run dispatches a queued task to its stage. Server-side failures (5xx
// results) are returned as errors so the queue redelivers the task; client
// errors are final and consume the task.
func (p *Pipeline) Run(task queue.Task) error {
	ctx := context.Background()

	var result *Result
	switch task.Stage {
	case queue.StageExtract:
		result = p.ExtractEvents(ctx, task.Period)
	case queue.StageAggregate:
		result = p.AggregateEvents(ctx, task.Period, task.Cursor)
	case queue.StagePublishStore:
		result = p.PublishStore(ctx, task.Period, "", task.Cursor)
	case queue.StagePublishIssue:
		result = p.PublishIssue(ctx, task.Period, task.Cursor)
	default:
		// Unknown stages are dropped, not redelivered.
		return nil
	}

	if result.Code >= http.StatusInternalServerError {
		return fmt.Errorf("%s stage for period %s failed: %s",
			task.Stage, task.Period, result.Message)
	}
	return nil
}

// deadlineContext applies the per-invocation wall-clock budget.
func (p *Pipeline) deadlineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.StageDeadline)
}
