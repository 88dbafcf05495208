package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/calendar"
	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/server"
)

// Handler serves the admin API under /api/v1.
type Handler struct {
	srv *server.Server
	log *zap.SugaredLogger
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  errors.Kind `json:"kind,omitempty"`
	Hints []string    `json:"hints,omitempty"`
}

// RunRequest triggers one batch. Phase is a number (1-5) or a phase name.
type RunRequest struct {
	Phase   string             `json:"phase" binding:"required"`
	Quarter calendar.QuarterID `json:"quarter"`
	Servers []string           `json:"servers"`
	DryRun  bool               `json:"dry_run"`
	Force   bool               `json:"force"`
}

type ApprovalRequest struct {
	Quarter calendar.QuarterID `json:"quarter" binding:"required"`
	By      string             `json:"by"`
	Reason  string             `json:"reason"`
}

type OverrideRequest struct {
	Quarter calendar.QuarterID `json:"quarter" binding:"required"`
	Date    string             `json:"date" binding:"required"`
	Time    string             `json:"time" binding:"required"`
	Force   bool               `json:"force"`
}

type QuarterRequest struct {
	Quarter calendar.QuarterID `json:"quarter" binding:"required"`
}

type CloseRequest struct {
	Force bool `json:"force"`
}

// NewHTTPHandler builds the gin engine with the admin routes and request logging.
func NewHTTPHandler(srv *server.Server, log *zap.SugaredLogger) *gin.Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{srv: srv, log: log.Named("http")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog)
	r.GET("/ping", h.handlePing)

	v1 := r.Group("/api/v1")
	v1.POST("/runs", h.handleRun)
	v1.GET("/servers", h.handleList)
	v1.PUT("/servers", h.handleImport)
	v1.GET("/servers/:name", h.handleGet)
	v1.DELETE("/servers/:name", h.handleRemove)
	v1.POST("/servers/:name/approve", h.handleApprove)
	v1.POST("/servers/:name/reject", h.handleReject)
	v1.POST("/servers/:name/override", h.handleOverride)
	v1.POST("/servers/:name/retrigger", h.handleRetrigger)
	v1.POST("/quarters/:quarter/close", h.handleClose)
	return r
}

func (h *Handler) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	status := c.Writer.Status()
	fields := []any{
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", status,
		"elapsed", time.Since(start),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.log.Errorw("request", fields...)
	case status >= http.StatusBadRequest:
		h.log.Warnw("request", fields...)
	default:
		h.log.Debugw("request", fields...)
	}
}

func (h *Handler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"msg": "pong from patchd"})
}

func (h *Handler) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	phase, err := orchestrator.ParsePhase(req.Phase)
	if err != nil {
		h.fail(c, err)
		return
	}
	sum, err := h.srv.RunBatch(c.Request.Context(), orchestrator.Request{
		Phase:   phase,
		Quarter: req.Quarter,
		Servers: req.Servers,
		DryRun:  req.DryRun,
		Force:   req.Force,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) handleList(c *gin.Context) {
	recs, err := h.srv.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []*models.ServerRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) handleImport(c *gin.Context) {
	var recs []*models.ServerRecord
	if err := c.ShouldBindJSON(&recs); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.srv.Import(c.Request.Context(), recs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleGet(c *gin.Context) {
	rec, err := h.srv.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleRemove(c *gin.Context) {
	if err := h.srv.Remove(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleApprove(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c)(h.srv.Approve(c.Request.Context(), c.Param("name"), req.Quarter, req.By))
}

func (h *Handler) handleReject(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c)(h.srv.Reject(c.Request.Context(), c.Param("name"), req.Quarter, req.By, req.Reason))
}

func (h *Handler) handleOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c)(h.srv.Override(c.Request.Context(), server.OverrideRequest{
		Server:  c.Param("name"),
		Quarter: req.Quarter,
		Date:    req.Date,
		Time:    req.Time,
		Force:   req.Force,
	}))
}

func (h *Handler) handleRetrigger(c *gin.Context) {
	var req QuarterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.reply(c)(h.srv.Retrigger(c.Request.Context(), c.Param("name"), req.Quarter))
}

func (h *Handler) handleClose(c *gin.Context) {
	q, err := strconv.Atoi(c.Param("quarter"))
	if err != nil {
		badRequest(c, errors.Newf("quarter %q is not a number", c.Param("quarter")))
		return
	}
	var req CloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := h.srv.CloseQuarter(c.Request.Context(), calendar.QuarterID(q), req.Force)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// reply writes a plan or the error.
func (h *Handler) reply(c *gin.Context) func(*models.QuarterPlan, error) {
	return func(p *models.QuarterPlan, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: err.Error(),
		Kind:  errors.KindOf(err),
		Hints: errors.GetAllHints(err),
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: "invalid request: " + err.Error(),
		Kind:  errors.KindValidationFailed,
	})
}

// StatusFor maps the error taxonomy to HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, server.ErrBusy):
		return http.StatusConflict
	case errors.IsInfrastructure(err):
		return http.StatusServiceUnavailable
	}
	switch errors.KindOf(err) {
	case errors.KindValidationFailed:
		return http.StatusBadRequest
	case errors.KindInvalidTransition, errors.KindSchedulingConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
