package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/VertNet/usagestats/github"
	"github.com/VertNet/usagestats/metrics"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/queue"
	"github.com/VertNet/usagestats/report"
	"github.com/VertNet/usagestats/store"
)

// PublishStore uploads rendered report documents to their repositories. A
// non-empty datasetID narrows the pass to a single resource. Failures on
// individual reports are logged and skipped so one broken resource cannot
// stall the whole period.
func (p *Pipeline) PublishStore(ctx context.Context, periodID, datasetID, rawCursor string) *Result {
	period, err := p.store.GetPeriod(ctx, periodID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(http.StatusBadRequest,
			"Provided period does not exist in datastore",
			map[string]interface{}{"period": periodID})
	}
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	dctx, cancel := p.deadlineContext(ctx)
	defer cancel()

	cursor := rawCursor
	stored := 0
	var failed []string
	for {
		select {
		case <-dctx.Done():
			metrics.StageContinuations.WithLabelValues(queue.StagePublishStore).Inc()
			log.Printf("Deadline reached after %d reports stored, resuming from cursor", stored)
			err := p.queue.Enqueue(queue.Task{
				Stage:  queue.StagePublishStore,
				Period: periodID,
				Cursor: cursor,
			})
			if err != nil {
				return errorResult(http.StatusInternalServerError, err.Error(), nil)
			}
			return inProgressResult("Deadline reached, storing continuation enqueued",
				map[string]interface{}{
					"period": periodID,
					"stored": stored,
					"cursor": cursor,
				})
		default:
		}

		page, next, err := p.store.PageReportsToStore(ctx, periodID, datasetID, cursor, p.cfg.PublishPage)
		if err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not page reports: %v", err),
				map[string]interface{}{"period": periodID})
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			rep := &page[i]
			if err := p.storeReport(ctx, period, rep); err != nil {
				log.Printf("Failed to store report for %s: %v", rep.GBIFDatasetID, err)
				failed = append(failed, rep.GBIFDatasetID)
			} else {
				stored++
			}
			if err := p.throttle(ctx); err != nil {
				return errorResult(http.StatusInternalServerError, err.Error(), nil)
			}
		}
		cursor = next
	}

	log.Printf("Finished storing %d reports for period %s, %d failed", stored, periodID, len(failed))
	if len(failed) > 0 {
		p.notifyAdmins("store", periodID, failed)
	}

	// Single-resource passes are manual repairs; they never advance the run.
	if datasetID != "" {
		return successResult("Report stored",
			map[string]interface{}{"period": periodID, "resource": datasetID})
	}

	if period.GitHubIssue {
		if err := p.queue.Enqueue(queue.Task{Stage: queue.StagePublishIssue, Period: periodID}); err != nil {
			return errorResult(http.StatusInternalServerError, err.Error(), nil)
		}
		log.Printf("All reports stored for period %s, sending notifications", periodID)
		return successResult("All reports stored, notifications enqueued",
			map[string]interface{}{"period": periodID, "stored": stored, "failed": len(failed)})
	}

	return p.finalizePeriod(ctx, period)
}

// storeReport renders and uploads one report. A dataset missing from the
// registry marks the report stored anyway so the scan cannot pick it up
// again forever.
func (p *Pipeline) storeReport(ctx context.Context, period *model.Period, rep *model.Report) error {
	dataset, err := p.store.GetDataset(ctx, rep.GBIFDatasetID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Dataset %s not found in registry, suppressing report", rep.GBIFDatasetID)
		if err := p.store.SetReportStored(ctx, rep.ID); err != nil {
			return err
		}
		return fmt.Errorf("dataset %s not found in registry", rep.GBIFDatasetID)
	}
	if err != nil {
		return err
	}

	content, err := report.Render(dataset, rep, period)
	if err != nil {
		return err
	}

	org, repo := p.targetRepo(period, dataset)
	path := report.Path(dataset, period.ID)
	message := report.CommitMessage(content)

	err = p.github.StoreFile(ctx, org, repo, path, message, content)
	if errors.Is(err, github.ErrAlreadyExists) {
		log.Printf("Report %s already stored at %s/%s, skipping upload", rep.ID, org, repo)
		err = nil
	}
	if err != nil {
		return err
	}

	return p.store.SetReportStored(ctx, rep.ID)
}

// PublishIssue opens the notification issue for each stored report that has
// not been notified yet.
func (p *Pipeline) PublishIssue(ctx context.Context, periodID, rawCursor string) *Result {
	period, err := p.store.GetPeriod(ctx, periodID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(http.StatusBadRequest,
			"Provided period does not exist in datastore",
			map[string]interface{}{"period": periodID})
	}
	if err != nil {
		return errorResult(http.StatusInternalServerError, err.Error(), nil)
	}

	dctx, cancel := p.deadlineContext(ctx)
	defer cancel()

	cursor := rawCursor
	var issued, failed []string
	for {
		select {
		case <-dctx.Done():
			metrics.StageContinuations.WithLabelValues(queue.StagePublishIssue).Inc()
			log.Printf("Deadline reached after %d notifications, resuming from cursor", len(issued))
			err := p.queue.Enqueue(queue.Task{
				Stage:  queue.StagePublishIssue,
				Period: periodID,
				Cursor: cursor,
			})
			if err != nil {
				return errorResult(http.StatusInternalServerError, err.Error(), nil)
			}
			return inProgressResult("Deadline reached, notification continuation enqueued",
				map[string]interface{}{
					"period": periodID,
					"sent":   len(issued),
					"cursor": cursor,
				})
		default:
		}

		page, next, err := p.store.PageReportsToIssue(ctx, periodID, cursor, p.cfg.PublishPage)
		if err != nil {
			return errorResult(http.StatusInternalServerError,
				fmt.Sprintf("could not page reports: %v", err),
				map[string]interface{}{"period": periodID})
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			rep := &page[i]
			if err := p.sendIssue(ctx, period, rep); err != nil {
				log.Printf("Failed to send notification for %s: %v", rep.GBIFDatasetID, err)
				failed = append(failed, rep.GBIFDatasetID)
			} else {
				issued = append(issued, rep.GBIFDatasetID)
			}
			if err := p.throttle(ctx); err != nil {
				return errorResult(http.StatusInternalServerError, err.Error(), nil)
			}
		}
		cursor = next
	}

	log.Printf("Finished sending %d notifications for period %s, %d failed",
		len(issued), periodID, len(failed))
	if len(failed) > 0 {
		p.notifyAdmins("issue", periodID, failed)
	}
	if len(issued) > 0 {
		body := fmt.Sprintf(`Hey there!

Notifications for the usage stats reports of period %s went out to these
resources:

%s

Code version: %s
`, periodID, strings.Join(issued, "\n"), Version)
		p.mailer.Send([]string{p.cfg.EmailRecipient},
			fmt.Sprintf("Usage stats notifications sent for period %s", periodID), body)
	}

	return p.finalizePeriod(ctx, period)
}

// sendIssue opens the notification issue for one report. A dataset missing
// from the registry suppresses the report the same way storing does.
func (p *Pipeline) sendIssue(ctx context.Context, period *model.Period, rep *model.Report) error {
	dataset, err := p.store.GetDataset(ctx, rep.GBIFDatasetID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Dataset %s not found in registry, suppressing notification", rep.GBIFDatasetID)
		if err := p.store.SetReportIssueSent(ctx, rep.ID); err != nil {
			return err
		}
		return fmt.Errorf("dataset %s not found in registry", rep.GBIFDatasetID)
	}
	if err != nil {
		return err
	}

	org, repo := p.targetRepo(period, dataset)
	title := report.IssueTitle(period, dataset)
	body := report.IssueBody(p.cfg.PublicURL, rep.GBIFDatasetID, period.ID)

	if err := p.github.CreateIssue(ctx, org, repo, title, body, []string{"report"}); err != nil {
		return err
	}
	return p.store.SetReportIssueSent(ctx, rep.ID)
}

// targetRepo picks the repository a report is published to. Testing runs
// always land in the sandbox.
func (p *Pipeline) targetRepo(period *model.Period, dataset *model.Dataset) (org, repo string) {
	if period.Testing {
		return p.cfg.SandboxOrg, p.cfg.SandboxRepo
	}
	return dataset.GitHubOrgName, dataset.GitHubRepoName
}

// throttle spaces out host calls. Aborts early if the parent context dies.
func (p *Pipeline) throttle(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.PublishDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// notifyAdmins emails the admin list about resources that could not be
// published this pass.
func (p *Pipeline) notifyAdmins(operation, periodID string, datasets []string) {
	body := fmt.Sprintf(`Hey there!

Some resources failed during the %s pass of the usage stats process for
period %s. You might want to have a look:

%s

Code version: %s
`, operation, periodID, strings.Join(datasets, "\n"), Version)
	p.mailer.Send(p.cfg.EmailAdmins,
		fmt.Sprintf("Usage stats %s failures for period %s", operation, periodID), body)
}
