package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

// InitParams is the run configuration for a new period. It is persisted on
// the Period document, which continuation tasks treat as the single source
// of truth.
type InitParams struct {
	Period      string
	Force       bool
	Testing     bool
	GitHubStore bool
	GitHubIssue bool
	TableName   string
}

// InitializePeriod validates the period, clears prior state when forced,
// creates the period record and enqueues extraction.
func (p *Pipeline) InitializePeriod(ctx context.Context, params InitParams) *Result {
	year, month, err := model.ParsePeriodID(params.Period)
	if err != nil {
		log.Printf("Rejecting init request: %v", err)
		return errorResult(http.StatusBadRequest, err.Error(), nil)
	}

	existing, err := p.store.GetPeriod(ctx, params.Period)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not look up period: %v", err), nil)
	}

	if existing != nil {
		if !params.Force {
			msg := fmt.Sprintf("Period %s already exists. Aborting. To override, use 'force=true'.", params.Period)
			log.Println(msg)
			return errorResult(http.StatusConflict, msg, nil)
		}

		log.Printf("Period %s already exists. Overriding.", params.Period)
		deleted, err := p.store.DeleteReportsForPeriod(ctx, params.Period)
		if err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not delete reports for period %s: %v", params.Period, err), nil)
		}
		log.Printf("%d Report entities removed", deleted)

		if err := p.store.DeletePeriod(ctx, params.Period); err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not delete period %s: %v", params.Period, err), nil)
		}
		log.Printf("Period %s deleted", params.Period)
	}

	period := &model.Period{
		ID:          params.Period,
		Year:        year,
		Month:       month,
		Status:      model.StatusInProgress,
		Force:       params.Force,
		Testing:     params.Testing,
		GitHubStore: params.GitHubStore,
		GitHubIssue: params.GitHubIssue,
		TableName:   params.TableName,
		Created:     time.Now(),
	}
	if err := p.store.PutPeriod(ctx, period); err != nil {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not create period %s: %v", params.Period, err), nil)
	}
	log.Printf("New Period %s created successfully", params.Period)

	// Residual rows from a crashed prior run must not pollute this one.
	purged, err := p.store.PurgePendingAggregates(ctx)
	if err != nil {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not purge pending aggregates: %v", err), nil)
	}
	log.Printf("Purged %d residual pending aggregates", purged)

	if err := p.queue.Enqueue(queue.Task{Stage: queue.StageExtract, Period: params.Period}); err != nil {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not enqueue extraction: %v", err), nil)
	}

	return successResult("Period initialized and extractions enqueued",
		map[string]interface{}{"period": params.Period})
}
