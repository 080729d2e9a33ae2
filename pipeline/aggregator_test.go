package pipeline

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/store"
)

func TestBuildEventStats(t *testing.T) {
	agg := model.NewAggregate()
	agg.Add("Spain", "2016-03-01", "genus:puma", 10)
	agg.Add("Spain", "2016-03-02", "genus:puma", 5)
	agg.Add("Germany", "2016-03-02", "class:aves", 7)

	stats := buildEventStats(agg)

	assert.Equal(t, int64(3), stats.Events)
	assert.Equal(t, int64(22), stats.Records)
	assert.Len(t, stats.QueryCountries, 2)
	assert.Len(t, stats.QueryDates, 2)
	assert.Len(t, stats.QueryTerms, 2)

	countries := map[string]int64{}
	for _, qc := range stats.QueryCountries {
		countries[qc.QueryCountry] = qc.Times
	}
	assert.Equal(t, map[string]int64{"Spain": 2, "Germany": 1}, countries)

	for _, qt := range stats.QueryTerms {
		if qt.QueryTerms == "genus:puma" {
			assert.Equal(t, int64(2), qt.Times)
			assert.Equal(t, int64(15), qt.Records)
		}
	}
}

func TestBuildEventStatsEmptyAggregate(t *testing.T) {
	stats := buildEventStats(model.NewAggregate())

	assert.Zero(t, stats.Events)
	assert.Zero(t, stats.Records)

	// Sub-record slices are present even when empty.
	require.NotNil(t, stats.QueryCountries)
	require.NotNil(t, stats.QueryDates)
	require.NotNil(t, stats.QueryTerms)
}

func TestBuildEventStatsInconsistentCountsTakeMax(t *testing.T) {
	agg := model.NewAggregate()
	agg.Add("Spain", "2016-03-01", "genus:puma", 10)
	// Tamper with one breakdown to simulate a partial write.
	agg.Dates["2016-03-02"] = 4

	stats := buildEventStats(agg)
	assert.Equal(t, int64(5), stats.Events)
}

func inProgressPeriod(id string) *model.Period {
	return &model.Period{
		ID:                 id,
		Year:               2016,
		Month:              3,
		Status:             model.StatusInProgress,
		DownloadsExtracted: true,
		SearchesExtracted:  true,
	}
}

func pendingFor(periodID, datasetID, kind string, records int64) model.PendingAggregate {
	agg := model.NewAggregate()
	agg.Add("Spain", "2016-03-01", "genus:puma", records)
	return model.PendingAggregate{
		PeriodID:      periodID,
		Kind:          kind,
		GBIFDatasetID: datasetID,
		Aggregate:     *agg,
	}
}

func TestAggregateEventsMergesCommitsAndFinalizes(t *testing.T) {
	tp := newTestPipeline()
	period := inProgressPeriod("201603")
	period.DownloadsToProcess = 1
	period.SearchesToProcess = 1
	tp.store.periods["201603"] = period
	require.NoError(t, tp.store.InsertPendingAggregates(context.Background(),
		[]model.PendingAggregate{
			pendingFor("201603", "r1", model.KindDownload, 22),
			pendingFor("201603", "r1", model.KindSearch, 5),
		}))

	result := tp.AggregateEvents(context.Background(), "201603", "")
	require.Equal(t, StatusSuccess, result.Status)

	rep := tp.store.reports["201603|r1"]
	require.NotNil(t, rep)
	assert.Equal(t, int64(22), rep.Downloads.Records)
	assert.Equal(t, int64(5), rep.Searches.Records)
	assert.Equal(t, int64(1), rep.Downloads.Events)

	// One page: two merges, one counter bump, one delete, all in the
	// transaction.
	assert.Equal(t, 4, tp.store.txnOps)
	assert.Empty(t, tp.store.pending)
	assert.Equal(t, int64(1), period.ProcessedDownloads)
	assert.Equal(t, int64(1), period.ProcessedSearches)

	// No publishing configured: the period finishes and the summary goes out.
	assert.Equal(t, model.StatusDone, period.Status)
	assert.Empty(t, tp.queue.tasks)
	require.Len(t, tp.mail.sent, 1)
	assert.Equal(t, []string{tp.cfg.EmailRecipient}, tp.mail.sent[0].to)
}

func TestAggregateEventsBranchesToPublishing(t *testing.T) {
	tp := newTestPipeline()
	period := inProgressPeriod("201603")
	period.GitHubStore = true
	tp.store.periods["201603"] = period

	result := tp.AggregateEvents(context.Background(), "201603", "")
	require.Equal(t, StatusSuccess, result.Status)

	require.Len(t, tp.queue.tasks, 1)
	assert.Equal(t, queue.StagePublishStore, tp.queue.tasks[0].Stage)
	assert.Equal(t, model.StatusInProgress, period.Status)
	assert.Empty(t, tp.mail.sent)
}

func TestAggregateEventsDeadlineCarriesCursorAndResumes(t *testing.T) {
	tp := newTestPipeline()
	period := inProgressPeriod("201603")
	period.DownloadsToProcess = 2
	period.ProcessedDownloads = 1
	tp.store.periods["201603"] = period
	require.NoError(t, tp.store.InsertPendingAggregates(context.Background(),
		[]model.PendingAggregate{pendingFor("201603", "r2", model.KindDownload, 7)}))

	midScan := store.PendingCursor{GBIFDatasetID: "r1", Kind: model.KindDownload}.Encode()

	// An already expired budget must checkpoint before touching anything.
	tp.cfg.StageDeadline = 0
	result := tp.AggregateEvents(context.Background(), "201603", midScan)

	assert.Equal(t, StatusInProgress, result.Status)
	assert.Equal(t, midScan, result.Data["cursor"])
	require.Len(t, tp.queue.tasks, 1)
	assert.Equal(t, queue.StageAggregate, tp.queue.tasks[0].Stage)
	assert.Equal(t, midScan, tp.queue.tasks[0].Cursor)
	assert.Len(t, tp.store.pending, 1)
	assert.Equal(t, int64(1), period.ProcessedDownloads)

	// Re-invoking with the carried cursor finishes without rework.
	tp.cfg.StageDeadline = time.Minute
	result = tp.AggregateEvents(context.Background(), "201603", tp.queue.tasks[0].Cursor)

	require.Equal(t, StatusSuccess, result.Status)
	assert.Empty(t, tp.store.pending)
	assert.Equal(t, int64(2), period.ProcessedDownloads)
	assert.Equal(t, model.StatusDone, period.Status)
	assert.NotContains(t, tp.store.reports, "201603|r1")
	assert.Contains(t, tp.store.reports, "201603|r2")
}

func TestAggregateEventsFinishedPeriodIsNoOp(t *testing.T) {
	tp := newTestPipeline()
	tp.store.periods["201603"] = &model.Period{ID: "201603", Status: model.StatusDone}

	result := tp.AggregateEvents(context.Background(), "201603", "")

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Empty(t, tp.queue.tasks)
	assert.Empty(t, tp.mail.sent)
	assert.Equal(t, model.StatusDone, tp.store.periods["201603"].Status)
}

func TestAggregateEventsMismatchMarksFailed(t *testing.T) {
	tp := newTestPipeline()
	period := inProgressPeriod("201603")
	period.DownloadsToProcess = 2
	tp.store.periods["201603"] = period

	result := tp.AggregateEvents(context.Background(), "201603", "")

	assert.Equal(t, StatusError, result.Status)
	assert.Equal(t, http.StatusInternalServerError, result.Code)
	assert.Equal(t, model.StatusFailed, period.Status)
	require.Len(t, tp.mail.sent, 1)
	assert.Equal(t, []string{tp.cfg.EmailRecipient}, tp.mail.sent[0].to)
}

func TestAggregateEventsUnknownPeriod(t *testing.T) {
	tp := newTestPipeline()
	result := tp.AggregateEvents(context.Background(), "201603", "")
	assert.Equal(t, http.StatusBadRequest, result.Code)
}
