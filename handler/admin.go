// Package handler exposes the HTTP surface of the usage stats service: the
// admin endpoints that drive the pipeline and the public report viewers.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/VertNet/usagestats/carto"
	"github.com/VertNet/usagestats/config"
	"github.com/VertNet/usagestats/github"
	"github.com/VertNet/usagestats/mailer"
	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/pipeline"
	"github.com/VertNet/usagestats/store"
)

type AdminHandler struct {
	cfg      *config.Config
	store    *store.Store
	carto    *carto.Client
	github   *github.Client
	mailer   *mailer.Mailer
	pipeline *pipeline.Pipeline
}

func NewAdminHandler(cfg *config.Config, st *store.Store, ca *carto.Client,
	gh *github.Client, ml *mailer.Mailer, pl *pipeline.Pipeline) *AdminHandler {
	return &AdminHandler{cfg: cfg, store: st, carto: ca, github: gh, mailer: ml, pipeline: pl}
}

// InitRequest is the run configuration accepted by the init endpoint.
type InitRequest struct {
	Period      string `json:"period" form:"period"`
	Force       bool   `json:"force" form:"force"`
	Testing     bool   `json:"testing" form:"testing"`
	GitHubStore bool   `json:"github_store" form:"github_store"`
	GitHubIssue bool   `json:"github_issue" form:"github_issue"`
	TableName   string `json:"table_name" form:"table_name"`
}

// Init starts a new monthly run.
func (h *AdminHandler) Init(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  pipeline.StatusError,
			"message": err.Error(),
		})
		return
	}
	log.Printf("Init requested for period %s (force=%t testing=%t store=%t issue=%t)",
		req.Period, req.Force, req.Testing, req.GitHubStore, req.GitHubIssue)

	result := h.pipeline.InitializePeriod(c.Request.Context(), pipeline.InitParams{
		Period:      req.Period,
		Force:       req.Force,
		Testing:     req.Testing,
		GitHubStore: req.GitHubStore,
		GitHubIssue: req.GitHubIssue,
		TableName:   req.TableName,
	})
	c.JSON(result.Code, result)
}

// GetEvents runs the extraction stage synchronously. Normally the queue
// drives this; the endpoint exists for manual repairs.
func (h *AdminHandler) GetEvents(c *gin.Context) {
	period := c.Query("period")
	result := h.pipeline.ExtractEvents(c.Request.Context(), period)
	c.JSON(result.Code, result)
}

// ProcessEvents runs the aggregation stage synchronously.
func (h *AdminHandler) ProcessEvents(c *gin.Context) {
	period := c.Query("period")
	cursor := c.Query("cursor")
	result := h.pipeline.AggregateEvents(c.Request.Context(), period, cursor)
	c.JSON(result.Code, result)
}

// GitHubStore runs the report-storing stage synchronously. An optional
// gbifdatasetid narrows the pass to one resource.
func (h *AdminHandler) GitHubStore(c *gin.Context) {
	period := c.Query("period")
	datasetID := c.Query("gbifdatasetid")
	cursor := c.Query("cursor")
	result := h.pipeline.PublishStore(c.Request.Context(), period, datasetID, cursor)
	c.JSON(result.Code, result)
}

// GitHubIssue runs the notification stage synchronously.
func (h *AdminHandler) GitHubIssue(c *gin.Context) {
	period := c.Query("period")
	cursor := c.Query("cursor")
	result := h.pipeline.PublishIssue(c.Request.Context(), period, cursor)
	c.JSON(result.Code, result)
}

// Status reports entity counts and the known periods.
func (h *AdminHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	periods, err := h.store.ListPeriods(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	reports, err := h.store.CountReports(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	datasets, err := h.store.CountDatasets(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byStatus := map[string][]string{}
	for _, p := range periods {
		byStatus[p.Status] = append(byStatus[p.Status], p.ID)
	}

	c.JSON(http.StatusOK, gin.H{
		"periods":           len(periods),
		"periods_by_status": byStatus,
		"reports":           reports,
		"datasets":          datasets,
	})
}

// PeriodStatus reports the progress of one period. In-progress periods show
// the live counters, finished ones the final totals.
func (h *AdminHandler) PeriodStatus(c *gin.Context) {
	periodID := c.Param("period")
	period, err := h.store.GetPeriod(c.Request.Context(), periodID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("period %s not found", periodID)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"period": period.ID,
		"status": period.Status,
	}
	if period.Status == model.StatusInProgress {
		resp["progress"] = gin.H{
			"downloads_extracted":  period.DownloadsExtracted,
			"searches_extracted":   period.SearchesExtracted,
			"processed_downloads":  period.ProcessedDownloads,
			"downloads_to_process": period.DownloadsToProcess,
			"processed_searches":   period.ProcessedSearches,
			"searches_to_process":  period.SearchesToProcess,
		}
	} else {
		resp["totals"] = gin.H{
			"downloads_in_period":          period.DownloadsInPeriod,
			"records_downloaded_in_period": period.RecordsDownloadedInPeriod,
			"searches_in_period":           period.SearchesInPeriod,
			"records_searched_in_period":   period.RecordsSearchedInPeriod,
		}
	}
	c.JSON(http.StatusOK, resp)
}

const datasetQuery = "SELECT gbifdatasetid, gbifpublisherid, url, icode, " +
	"orgname, github_orgname, github_reponame, source_url " +
	"FROM resource_staging " +
	"WHERE ipt is true AND networks LIKE '%VertNet%'"

// SetupDatasets refreshes the dataset registry from the resource staging
// table in the analytical store.
func (h *AdminHandler) SetupDatasets(c *gin.Context) {
	rows, err := h.carto.Query(c.Request.Context(), datasetQuery)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"status":  pipeline.StatusError,
			"message": fmt.Sprintf("could not retrieve registry rows: %v", err),
		})
		return
	}

	datasets, err := decodeDatasets(rows)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  pipeline.StatusError,
			"message": err.Error(),
		})
		return
	}

	written, err := h.store.UpsertDatasets(c.Request.Context(), datasets)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  pipeline.StatusError,
			"message": fmt.Sprintf("could not store datasets: %v", err),
		})
		return
	}
	log.Printf("Dataset registry refreshed, %d entries written", written)

	c.JSON(http.StatusOK, gin.H{
		"status":  pipeline.StatusSuccess,
		"message": "Dataset registry refreshed",
		"data":    gin.H{"retrieved": len(datasets), "written": written},
	})
}

// decodeDatasets converts raw registry rows into dataset entries. The
// collection code is the trailing segment of the resource URL.
func decodeDatasets(rows []json.RawMessage) ([]model.Dataset, error) {
	datasets := make([]model.Dataset, 0, len(rows))
	for _, raw := range rows {
		var row struct {
			GBIFDatasetID   string `json:"gbifdatasetid"`
			GBIFPublisherID string `json:"gbifpublisherid"`
			URL             string `json:"url"`
			ICode           string `json:"icode"`
			OrgName         string `json:"orgname"`
			GitHubOrgName   string `json:"github_orgname"`
			GitHubRepoName  string `json:"github_reponame"`
			SourceURL       string `json:"source_url"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decoding registry row: %w", err)
		}
		if row.GBIFDatasetID == "" {
			log.Printf("Skipping registry row without gbifdatasetid: %s", string(raw))
			continue
		}

		parts := strings.Split(row.URL, "=")
		ccode := parts[len(parts)-1]

		datasets = append(datasets, model.Dataset{
			ID:              row.GBIFDatasetID,
			GBIFPublisherID: row.GBIFPublisherID,
			URL:             row.URL,
			ICode:           row.ICode,
			CCode:           ccode,
			OrgName:         row.OrgName,
			GitHubOrgName:   row.GitHubOrgName,
			GitHubRepoName:  row.GitHubRepoName,
			SourceURL:       row.SourceURL,
		})
	}
	return datasets, nil
}

// RepoChecker verifies that every registered dataset points at a reachable
// repository, so publishing runs do not trip over stale registry entries.
// Broken entries are reported back and emailed to the admins.
func (h *AdminHandler) RepoChecker(c *gin.Context) {
	datasets, err := h.store.ListDatasets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  pipeline.StatusError,
			"message": err.Error(),
		})
		return
	}

	var broken []string
	for _, d := range datasets {
		if d.GitHubOrgName == "" || d.GitHubRepoName == "" {
			broken = append(broken, fmt.Sprintf("%s: missing repository configuration", d.ID))
			continue
		}
		exists, err := h.github.CheckRepo(c.Request.Context(), d.GitHubOrgName, d.GitHubRepoName)
		if err != nil {
			broken = append(broken, fmt.Sprintf("%s: could not check %s/%s: %v",
				d.ID, d.GitHubOrgName, d.GitHubRepoName, err))
			continue
		}
		if !exists {
			broken = append(broken, fmt.Sprintf("%s: repository %s/%s not found",
				d.ID, d.GitHubOrgName, d.GitHubRepoName))
		}
	}
	log.Printf("Repository check finished, %d of %d entries broken", len(broken), len(datasets))

	if len(broken) > 0 {
		h.mailer.Send(h.cfg.EmailAdmins, "Usage stats repository check failures",
			fmt.Sprintf("Hey there!\n\nThese dataset registry entries point at "+
				"unreachable repositories:\n\n%s\n", strings.Join(broken, "\n")))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  pipeline.StatusSuccess,
		"message": fmt.Sprintf("Checked %d datasets, %d broken", len(datasets), len(broken)),
		"data":    gin.H{"checked": len(datasets), "broken": broken},
	})
}

// EmailTester sends a test email to verify the SMTP path.
func (h *AdminHandler) EmailTester(c *gin.Context) {
	recipient := c.DefaultQuery("recipient", h.cfg.EmailRecipient)
	h.mailer.Send([]string{recipient}, "Usage stats email tester",
		"This is a test email from the usage stats service. If you are reading\n"+
			"this, the SMTP path works.\n")
	c.JSON(http.StatusOK, gin.H{
		"status":  pipeline.StatusSuccess,
		"message": fmt.Sprintf("Test email sent to %s", recipient),
	})
}
