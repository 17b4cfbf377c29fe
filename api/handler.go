package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sam3web/archive"
	"sam3web/config"
	"sam3web/replicate"
	"sam3web/task"
)

// HistoryStore is the persistence behind the /api/history endpoints.
type HistoryStore interface {
	Append(rec task.BatchRecord) (task.BatchRecord, error)
	List() ([]task.BatchRecord, error)
	DeleteAll() error
	DeleteByID(id string) (bool, error)
}

// Services are the collaborators a Handler dispatches to. Extractor may be
// nil, in which case /api/zip answers 503.
type Services struct {
	Submitter task.Submitter
	Batches   *task.Manager
	History   HistoryStore
	Extractor task.ArchiveExtractor
	ZipDir    string
}

type Handler struct {
	cfg       *config.Config
	submitter task.Submitter
	batches   *task.Manager
	history   HistoryStore
	extractor task.ArchiveExtractor
	zipDir    string
}

func NewHandler(cfg *config.Config, s Services) *Handler {
	return &Handler{
		cfg:       cfg,
		submitter: s.Submitter,
		batches:   s.Batches,
		history:   s.History,
		extractor: s.Extractor,
		zipDir:    s.ZipDir,
	}
}

// SettingsRequest is the wire form of the shared task settings.
type SettingsRequest struct {
	Prompt      string   `json:"prompt"`
	MaskColor   string   `json:"mask_color"`
	MaskOpacity *float64 `json:"mask_opacity" binding:"omitempty,gte=0,lte=1"`
	MaskOnly    bool     `json:"mask_only"`
	ReturnZip   bool     `json:"return_zip"`
}

func (r SettingsRequest) settings() task.Settings {
	s := task.Settings{
		Prompt:      strings.TrimSpace(r.Prompt),
		MaskColor:   r.MaskColor,
		MaskOpacity: 0.8,
		MaskOnly:    r.MaskOnly,
		ReturnZip:   r.ReturnZip,
	}
	if r.MaskOpacity != nil {
		s.MaskOpacity = *r.MaskOpacity
	}
	if s.MaskColor == "" {
		s.MaskColor = "red"
	}
	return s
}

type RunRequest struct {
	Video string `json:"video" binding:"required"`
	SettingsRequest
}

type BatchRequest struct {
	Videos           []task.Entry    `json:"videos" binding:"required,min=1"`
	Settings         SettingsRequest `json:"settings"`
	ConcurrencyLimit *int            `json:"concurrency_limit" binding:"omitempty,min=1"`
	StaggerMs        *int64          `json:"stagger_ms" binding:"omitempty,min=0"`
}

type ZipRequest struct {
	URL string `json:"url" binding:"required"`
}

type zipResponse struct {
	Success bool `json:"success"`
	*archive.Report
	VideoURL string `json:"videoUrl,omitempty"`
}

// handleRun submits a single video and waits for the model output.
func (h *Handler) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	video := task.CleanSourceRef(req.Video)
	if video == "" {
		respondError(c, http.StatusBadRequest, CodeValidationError, "video is required")
		return
	}
	settings := req.settings()

	log := logrus.WithFields(logrus.Fields{"video": video, "prompt": settings.Prompt, "return_zip": settings.ReturnZip})
	log.Info("running single segmentation")

	// The prediction runs to completion even if the client disconnects.
	url, err := h.submitter.Submit(context.WithoutCancel(c.Request.Context()), video, settings)
	if err == nil && url == "" {
		err = &task.RemoteSubmissionError{Message: "remote service returned no output"}
	}
	if err != nil {
		log.WithError(err).Warn("single segmentation failed")
		respondTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":      url,
		"filename": replicate.OutputFilename(video, settings.Prompt, settings.ReturnZip, time.Now()),
	})
}

func (h *Handler) handleListHistory(c *gin.Context) {
	records, err := h.history.List()
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeServiceError, err.Error())
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) handleAppendHistory(c *gin.Context) {
	var rec task.BatchRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	if len(rec.Inputs) == 0 || len(rec.Inputs) != len(rec.Outputs) {
		respondError(c, http.StatusBadRequest, CodeValidationError, "inputVideo and outputVideo must be non-empty and of equal length")
		return
	}

	saved, err := h.history.Append(rec)
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeServiceError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) handleClearHistory(c *gin.Context) {
	if err := h.history.DeleteAll(); err != nil {
		respondError(c, http.StatusInternalServerError, CodeServiceError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) handleDeleteHistory(c *gin.Context) {
	removed, err := h.history.DeleteByID(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, CodeServiceError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

// handleExtractZip downloads and unpacks a ZIP result.
func (h *Handler) handleExtractZip(c *gin.Context) {
	if h.extractor == nil {
		respondError(c, http.StatusServiceUnavailable, CodeServiceError, "archive extraction is not configured")
		return
	}
	var req ZipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	report, err := h.extractor.Extract(c.Request.Context(), task.CleanSourceRef(req.URL))
	if err != nil {
		logrus.WithError(err).WithField("url", req.URL).Error("archive extraction failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    CodeExtractionFailed,
		})
		return
	}

	c.JSON(http.StatusOK, zipResponse{
		Success:  true,
		Report:   report,
		VideoURL: h.publicURL(c, report.VideoPath),
	})
}

// publicURL turns a server path into an absolute URL, preferring the
// configured BASE over the request host.
func (h *Handler) publicURL(c *gin.Context, path string) string {
	if path == "" {
		return ""
	}
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + path
}

// handleCreateBatch queues a batch for background processing.
func (h *Handler) handleCreateBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}

	entries := make([]task.Entry, len(req.Videos))
	for i, e := range req.Videos {
		if e.Index == 0 {
			e.Index = i + 1
		}
		entries[i] = e
	}
	tasks, err := task.BuildQueue(entries, req.Settings.settings())
	if err != nil {
		respondTaskError(c, err)
		return
	}

	limit := h.cfg.ConcurrencyLimit
	if req.ConcurrencyLimit != nil {
		limit = *req.ConcurrencyLimit
	}
	stagger := h.cfg.Stagger
	if req.StaggerMs != nil {
		stagger = time.Duration(*req.StaggerMs) * time.Millisecond
	}

	view, err := h.batches.Submit(tasks, limit, stagger)
	if errors.Is(err, task.ErrQueueFull) {
		respondError(c, http.StatusServiceUnavailable, CodeQueueFull, err.Error())
		return
	}
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *Handler) handleListBatches(c *gin.Context) {
	list := h.batches.List()
	if list == nil {
		list = []task.BatchView{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) handleGetBatch(c *gin.Context) {
	view, found := h.batches.Get(c.Param("batchId"))
	if !found {
		respondError(c, http.StatusNotFound, CodeNotFound, "Batch not found")
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleRetryTask resubmits one failed task of a batch.
func (h *Handler) handleRetryTask(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidationError, "index must be an integer")
		return
	}

	tv, err := h.batches.Retry(c.Param("batchId"), index)
	if errors.Is(err, task.ErrBatchNotFound) {
		respondError(c, http.StatusNotFound, CodeNotFound, "Batch not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusConflict, CodeConflict, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, tv)
}
