package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/VertNet/usagestats/metrics"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

// AggregateEvents drains the pending aggregates into durable reports, one
// transactional page at a time. When the wall-clock deadline expires the
// stage re-enqueues itself with a cursor; when the backlog is drained it
// branches into publishing or finalizes the period.
func (p *Pipeline) AggregateEvents(ctx context.Context, periodID, rawCursor string) *Result {
	period, err := p.store.GetPeriod(ctx, periodID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(http.StatusBadRequest,
			"Provided period does not exist in datastore",
			map[string]interface{}{"period": periodID})
	}
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	// Re-invoking an already finished period is a no-op; without this guard
	// an exhausted re-run would walk the publish chain again.
	if period.Status != model.StatusInProgress {
		log.Printf("Period %s is already %s, nothing to aggregate", periodID, period.Status)
		return successResult("Period already finished",
			map[string]interface{}{"period": periodID, "period_status": period.Status})
	}

	cursor, err := store.DecodePendingCursor(rawCursor)
	if err != nil {
		return errorResult(http.StatusBadRequest,
			fmt.Sprintf("malformed cursor: %v", err),
			map[string]interface{}{"period": periodID})
	}

	// The deadline context only signals the budget. Page operations run on
	// the parent context so an in-flight page always commits whole.
	dctx, cancel := p.deadlineContext(ctx)
	defer cancel()

	processed := 0
	for {
		select {
		case <-dctx.Done():
			metrics.StageContinuations.WithLabelValues(queue.StageAggregate).Inc()
			log.Printf("Deadline reached after %d resources, resuming from cursor", processed)
			err := p.queue.Enqueue(queue.Task{
				Stage:  queue.StageAggregate,
				Period: periodID,
				Cursor: cursor.Encode(),
			})
			if err != nil {
				return errorResult(http.StatusInternalServerError, err.Error(), nil)
			}
			return inProgressResult("Deadline reached, aggregation continuation enqueued",
				map[string]interface{}{
					"period":    periodID,
					"processed": processed,
					"cursor":    cursor.Encode(),
				})
		default:
		}

		page, next, err := p.store.PagePendingAggregates(ctx, periodID, cursor, p.cfg.AggregatePage)
		if err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not page pending aggregates: %v", err),
				map[string]interface{}{"period": periodID})
		}
		if len(page) == 0 {
			break
		}

		if err := p.commitPage(ctx, periodID, page); err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not commit page: %v", err),
				map[string]interface{}{"period": periodID})
		}

		for _, pending := range page {
			metrics.ReportsProcessed.WithLabelValues(pending.Kind).Inc()
		}
		processed += len(page)
		cursor = next
	}

	log.Printf("Finished aggregating, %d resources processed this invocation", processed)
	return p.finishAggregation(ctx, periodID)
}

// commitPage merges one page of pending aggregates into their reports and
// advances the period counters, all inside a single transaction. A crash
// between pages re-processes nothing; a crash inside a page loses nothing.
func (p *Pipeline) commitPage(ctx context.Context, periodID string, page []model.PendingAggregate) error {
	return p.store.WithTransaction(ctx, func(tc context.Context) error {
		var downloads, searches int64

		for i := range page {
			pending := &page[i]
			if err := p.mergePending(tc, periodID, pending); err != nil {
				return err
			}
			if pending.Kind == model.KindDownload {
				downloads++
			} else {
				searches++
			}
		}

		if err := p.store.IncProcessed(tc, periodID, downloads, searches); err != nil {
			return err
		}
		return p.store.DeletePendingAggregates(tc, page)
	})
}

// mergePending folds one pending aggregate into its report, replacing the
// sub-record for its kind wholesale.
func (p *Pipeline) mergePending(ctx context.Context, periodID string, pending *model.PendingAggregate) error {
	reportID := model.ReportID(periodID, pending.GBIFDatasetID)

	rep, err := p.store.GetReport(ctx, reportID)
	if errors.Is(err, store.ErrNotFound) {
		rep = &model.Report{
			ID:            reportID,
			Created:       time.Now(),
			PeriodID:      periodID,
			GBIFDatasetID: pending.GBIFDatasetID,
			Searches:      model.EmptyEventStats(),
			Downloads:     model.EmptyEventStats(),
		}
	} else if err != nil {
		return err
	}

	stats := buildEventStats(&pending.Aggregate)
	if pending.Kind == model.KindDownload {
		rep.Downloads = stats
	} else {
		rep.Searches = stats
	}

	return p.store.UpsertReport(ctx, rep)
}

// buildEventStats converts a map-form aggregate into the report sub-record.
// The per-country, per-date and per-term event counts must all sum to the
// same total; a mismatch is logged and the largest sum wins.
func buildEventStats(agg *model.Aggregate) model.EventStats {
	stats := model.EventStats{Records: agg.Records}

	var countryTimes, dateTimes, termTimes int64
	for country, times := range agg.Countries {
		stats.QueryCountries = append(stats.QueryCountries,
			model.QueryCountry{QueryCountry: country, Times: times})
		countryTimes += times
	}
	for date, times := range agg.Dates {
		stats.QueryDates = append(stats.QueryDates,
			model.QueryDate{QueryDate: date, Times: times})
		dateTimes += times
	}
	for terms, tc := range agg.Terms {
		stats.QueryTerms = append(stats.QueryTerms,
			model.QueryTerms{QueryTerms: terms, Times: tc.Times, Records: tc.Records})
		termTimes += tc.Times
	}

	if stats.QueryCountries == nil {
		stats.QueryCountries = []model.QueryCountry{}
	}
	if stats.QueryDates == nil {
		stats.QueryDates = []model.QueryDate{}
	}
	if stats.QueryTerms == nil {
		stats.QueryTerms = []model.QueryTerms{}
	}

	stats.Events = countryTimes
	if countryTimes != dateTimes || dateTimes != termTimes {
		log.Printf("Inconsistent event counts: countries=%d dates=%d terms=%d",
			countryTimes, dateTimes, termTimes)
		if dateTimes > stats.Events {
			stats.Events = dateTimes
		}
		if termTimes > stats.Events {
			stats.Events = termTimes
		}
	}

	return stats
}

// finishAggregation decides where the run goes once the pending backlog is
// empty: publishing, straight finalization, or failure when the processed
// counters do not line up with the extraction totals.
func (p *Pipeline) finishAggregation(ctx context.Context, periodID string) *Result {
	period, err := p.store.GetPeriod(ctx, periodID)
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	if period.ProcessedDownloads != period.DownloadsToProcess ||
		period.ProcessedSearches != period.SearchesToProcess {
		msg := fmt.Sprintf(
			"Aggregation incomplete for period %s: downloads %d/%d, searches %d/%d",
			periodID, period.ProcessedDownloads, period.DownloadsToProcess,
			period.ProcessedSearches, period.SearchesToProcess)
		log.Println(msg)
		if err := p.store.SetPeriodStatus(ctx, periodID, model.StatusFailed); err != nil {
			return errorResult(http.StatusInternalServerError, err.Error(), nil)
		}
		p.mailer.Send([]string{p.cfg.EmailRecipient},
			fmt.Sprintf("Usage stats aggregation failed for period %s", periodID), msg)
		return errorResult(http.StatusInternalServerError, msg,
			map[string]interface{}{"period": periodID})
	}

	switch {
	case period.GitHubStore:
		if err := p.queue.Enqueue(queue.Task{Stage: queue.StagePublishStore, Period: periodID}); err != nil {
			return errorResult(http.StatusInternalServerError, err.Error(), nil)
		}
		log.Printf("All resources processed for period %s, storing reports", periodID)
	case period.GitHubIssue:
		if err := p.queue.Enqueue(queue.Task{Stage: queue.StagePublishIssue, Period: periodID}); err != nil {
			return errorResult(http.StatusInternalServerError, err.Error(), nil)
		}
		log.Printf("All resources processed for period %s, sending notifications", periodID)
	default:
		return p.finalizePeriod(ctx, period)
	}

	return successResult("All resources aggregated",
		map[string]interface{}{
			"period":    periodID,
			"downloads": period.ProcessedDownloads,
			"searches":  period.ProcessedSearches,
		})
}

// finalizePeriod marks the period done and sends the summary email.
func (p *Pipeline) finalizePeriod(ctx context.Context, period *model.Period) *Result {
	if err := p.store.SetPeriodStatus(ctx, period.ID, model.StatusDone); err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}
	log.Printf("Period %s finished", period.ID)

	body := fmt.Sprintf(`Hey there!

Just a heads up, the usage stats process for period %s has successfully
finished. These are the numbers:

Downloads in period: %d
Records downloaded: %d
Searches in period: %d
Records searched: %d

Code version: %s
`, period.ID,
		period.DownloadsInPeriod, period.RecordsDownloadedInPeriod,
		period.SearchesInPeriod, period.RecordsSearchedInPeriod,
		Version)
	p.mailer.Send([]string{p.cfg.EmailRecipient},
		fmt.Sprintf("Usage stats process for period %s finished", period.ID), body)

	return successResult("Period finished",
		map[string]interface{}{"period": period.ID})
}
