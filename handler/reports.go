package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/VertNet/usagestats/model"
	"github.com/VertNet/usagestats/report"
	"github.com/VertNet/usagestats/store"
)

type ReportHandler struct {
	store *store.Store
}

func NewReportHandler(st *store.Store) *ReportHandler {
	return &ReportHandler{store: st}
}

func (h *ReportHandler) load(c *gin.Context) (*model.Report, *model.Dataset, *model.Period, bool) {
	datasetID := c.Param("gbifdatasetid")
	periodID := c.Param("period")

	rep, err := h.store.GetReport(c.Request.Context(), model.ReportID(periodID, datasetID))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return nil, nil, nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, nil, false
	}

	dataset, err := h.store.GetDataset(c.Request.Context(), datasetID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return nil, nil, nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, nil, false
	}

	period, err := h.store.GetPeriod(c.Request.Context(), periodID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "period not found"})
		return nil, nil, nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, nil, false
	}

	return rep, dataset, period, true
}

// Text serves the canonical text rendering of a report.
func (h *ReportHandler) Text(c *gin.Context) {
	rep, dataset, period, ok := h.load(c)
	if !ok {
		return
	}

	content, err := report.Render(dataset, rep, period)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, content)
}

// JSON serves the raw report document.
func (h *ReportHandler) JSON(c *gin.Context) {
	rep, _, _, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}
