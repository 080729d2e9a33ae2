package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/VertNet/usagestats/carto"
	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/metrics"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

// ExtractEvents pulls one kind of log events for the period from the
// analytical store, groups them per dataset and persists the resulting
// pending aggregates. Downloads are extracted first, then searches; once
// both kinds are done the stage hands off to the aggregate processor.
func (p *Pipeline) ExtractEvents(ctx context.Context, periodID string) *Result {
	period, err := p.store.GetPeriod(ctx, periodID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(http.StatusBadRequest,
			"Provided period does not exist in datastore",
			map[string]interface{}{"period": periodID})
	}
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	// Start with downloads, continue with searches.
	var kind string
	switch {
	case !period.DownloadsExtracted:
		kind = model.KindDownload
	case !period.SearchesExtracted:
		kind = model.KindSearch
	default:
		// Both kinds already extracted, move straight on to aggregation.
		log.Printf("All searches and downloads already extracted for %s", periodID)
		if err := p.queue.Enqueue(queue.Task{Stage: queue.StageAggregate, Period: periodID}); err != nil {
			return errorResult(http.StatusInternalServerError, err.Error(), nil)
		}
		return successResult("Nothing left to extract, aggregation enqueued",
			map[string]interface{}{"period": periodID})
	}

	tableName := period.TableName
	if tableName == "" {
		tableName = config.DefaultLogTable
	}
	log.Printf("Using %s as data table", tableName)

	query := carto.EventQuery(kind, tableName)
	// Only restrict time if using the default table.
	if tableName == config.DefaultLogTable {
		queriedDate := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, time.UTC)
		queriedDate = queriedDate.Add(32 * 24 * time.Hour)
		query = carto.AddTimeLimit(query, queriedDate)
	}

	log.Printf("Executing query:\n%s", query)
	rows, err := p.carto.QueryLogRows(ctx, query)
	if errors.Is(err, carto.ErrMaxRetries) {
		return errorResult(http.StatusGatewayTimeout,
			"Could not retrieve data from analytical store",
			map[string]interface{}{"period": periodID, "event_type": kind})
	}
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}
	log.Printf("Extracted %d %s events", len(rows), kind)
	metrics.EventsExtracted.WithLabelValues(kind).Add(float64(len(rows)))

	resources := groupEvents(rows, func(lat, lon float64) string {
		return p.geocoder.Country(ctx, lat, lon)
	})
	log.Printf("Created %d resources", len(resources))

	pending := make([]model.PendingAggregate, 0, len(resources))
	for datasetID, agg := range resources {
		pending = append(pending, model.PendingAggregate{
			PeriodID:      periodID,
			Kind:          kind,
			GBIFDatasetID: datasetID,
			Aggregate:     *agg,
		})
	}
	if err := p.store.InsertPendingAggregates(ctx, pending); err != nil {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not store pending aggregates: %v", err),
			map[string]interface{}{"period": periodID, "event_type": kind})
	}
	log.Printf("Stored %d pending aggregates", len(pending))

	var totalRecords int64
	for _, row := range rows {
		totalRecords += row.ResponseRecords
	}
	err = p.store.MarkKindExtracted(ctx, periodID, kind,
		int64(len(rows)), totalRecords, int64(len(resources)))
	if err != nil {
		return errorResult(http.StatusInternalServerError,
			fmt.Sprintf("could not update %s counts in period: %v", kind, err),
			map[string]interface{}{"period": periodID, "event_type": kind})
	}
	log.Printf("Period counts for %s events updated", kind)

	// Chain to the other kind, or hand off once both are extracted.
	next := queue.Task{Stage: queue.StageExtract, Period: periodID}
	if kind == model.KindSearch || period.SearchesExtracted {
		log.Println("All searches and downloads extracted")
		next.Stage = queue.StageAggregate
	}
	if err := p.queue.Enqueue(next); err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	return successResult(fmt.Sprintf("All %s events downloaded and parsed", kind),
		map[string]interface{}{
			"period":               periodID,
			"event_type":           kind,
			"event_number":         len(rows),
			"resources_to_process": len(resources),
		})
}

// groupEvents redistributes raw log rows into per-dataset partial
// aggregates, resolving each event's country through the lookup function.
func groupEvents(rows []model.LogRow, country func(lat, lon float64) string) map[string]*model.Aggregate {
	resources := map[string]*model.Aggregate{}

	for _, row := range rows {
		var results map[string]int64
		if err := json.Unmarshal([]byte(row.ResultsByResource), &results); err != nil {
			log.Printf("Skipping row %d, malformed results_by_resource: %v", row.CartoDBID, err)
			continue
		}

		eventDate := eventDate(row.CreatedAt)
		eventCountry := country(row.Lat, row.Lon)

		for datasetID, records := range results {
			agg, ok := resources[datasetID]
			if !ok {
				agg = model.NewAggregate()
				resources[datasetID] = agg
			}
			agg.Add(eventCountry, eventDate, row.QueryTerms, records)
		}
	}

	return resources
}

// eventDate truncates an event timestamp to its calendar date.
func eventDate(createdAt string) string {
	t, err := time.Parse("2006-01-02T15:04:05Z", createdAt)
	if err != nil {
		// Fall back to the raw prefix, some tables store dates only.
		if len(createdAt) >= 10 {
			return createdAt[:10]
		}
		return createdAt
	}
	return t.Format("2006-01-02")
}
