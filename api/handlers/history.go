package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/repository"
)

// HistoryHandler serves the persisted event log and system logs.
type HistoryHandler struct {
	statusRepo *repository.StatusRepository
	logRepo    *repository.LogRepository
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(statusRepo *repository.StatusRepository, logRepo *repository.LogRepository) *HistoryHandler {
	return &HistoryHandler{
		statusRepo: statusRepo,
		logRepo:    logRepo,
	}
}

// PageResponse wraps one page of results.
type PageResponse struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Pages  int         `json:"pages"`
}

// DeleteResponse reports how many rows were removed.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// parsePage reads limit, offset and search from the query string.
func parsePage(c *gin.Context) model.Page {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return model.Page{
		Limit:  limit,
		Offset: offset,
		Search: c.Query("search"),
	}.Normalize()
}

func newPageResponse(items interface{}, total int, page model.Page) PageResponse {
	pages := 0
	if total > 0 {
		pages = (total + page.Limit - 1) / page.Limit
	}
	return PageResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
		Pages:  pages,
	}
}

// ListHistory handles GET /api/sessions/history - pages through the event log.
func (h *HistoryHandler) ListHistory(c *gin.Context) {
	page := parsePage(c)

	events, total, err := h.statusRepo.ListEvents(c.Request.Context(), page)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list history: "+err.Error())
		return
	}
	if events == nil {
		events = []model.EventRecord{}
	}

	c.JSON(http.StatusOK, newPageResponse(events, total, page))
}

// DeleteSessionHistory handles DELETE /api/sessions/history/:id.
func (h *HistoryHandler) DeleteSessionHistory(c *gin.Context) {
	n, err := h.statusRepo.DeleteEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete history: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, DeleteResponse{Deleted: n})
}

// DeleteAllHistory handles DELETE /api/sessions/history.
func (h *HistoryHandler) DeleteAllHistory(c *gin.Context) {
	n, err := h.statusRepo.DeleteAllEvents(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete history: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, DeleteResponse{Deleted: n})
}

// ListLogs handles GET /api/system/logs.
func (h *HistoryHandler) ListLogs(c *gin.Context) {
	page := parsePage(c)

	logs, total, err := h.logRepo.List(c.Request.Context(), page)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list logs: "+err.Error())
		return
	}
	if logs == nil {
		logs = []model.SystemLog{}
	}

	c.JSON(http.StatusOK, newPageResponse(logs, total, page))
}

// DeleteLogs handles DELETE /api/system/logs.
func (h *HistoryHandler) DeleteLogs(c *gin.Context) {
	n, err := h.logRepo.DeleteAll(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete logs: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, DeleteResponse{Deleted: n})
}

// DeleteSessionLogs handles DELETE /api/system/logs/session/:id.
func (h *HistoryHandler) DeleteSessionLogs(c *gin.Context) {
	n, err := h.logRepo.DeleteBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete logs: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, DeleteResponse{Deleted: n})
}

// RegisterRoutes registers the history and system log routes.
func (h *HistoryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/history", h.ListHistory)
	rg.DELETE("/sessions/history", h.DeleteAllHistory)
	rg.DELETE("/sessions/history/:id", h.DeleteSessionHistory)

	logs := rg.Group("/system/logs")
	{
		logs.GET("", h.ListLogs)
		logs.DELETE("", h.DeleteLogs)
		logs.DELETE("/session/:id", h.DeleteSessionLogs)
	}
}
