// Package server exposes the localhost HTTP API the UI consumes: page CRUD,
// search, sync status and a manual sync trigger. Mutations go through the
// orchestrator facade so every local write also lands in the sync queue.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pagenest/pagesync/internal/pages"
	"github.com/pagenest/pagesync/internal/syncer"
)

var (
	errMissingStore        = errors.New("page store dependency required")
	errMissingOrchestrator = errors.New("orchestrator dependency required")
)

// Dependencies wires the handler's collaborators.
type Dependencies struct {
	Store        *pages.Store
	Orchestrator *syncer.Orchestrator
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the local API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		logger:       logger,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/pages", handler.handleListPages)
	router.GET("/pages/search", handler.handleSearchPages)
	router.GET("/pages/:id", handler.handleGetPage)
	router.POST("/pages", handler.handleCreatePage)
	router.PATCH("/pages/:id", handler.handleUpdatePage)
	router.DELETE("/pages/:id", handler.handleDeletePage)
	router.POST("/sync", handler.handleTriggerSync)

	return router, nil
}

type httpHandler struct {
	store        *pages.Store
	orchestrator *syncer.Orchestrator
	logger       *zap.Logger
}

type pageResponse struct {
	LocalID        uint     `json:"local_id"`
	ServerID       *string  `json:"server_id"`
	Title          string   `json:"title"`
	Content        *string  `json:"content"`
	ContentType    string   `json:"content_type"`
	Description    *string  `json:"description"`
	ImagePreviews  []string `json:"image_previews"`
	CanvasImageCID *string  `json:"canvas_image_cid"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	IsDirty        bool     `json:"is_dirty"`
	LastSyncedAt   *string  `json:"last_synced_at"`
	Deleted        bool     `json:"deleted"`
}

func toPageResponse(page *pages.Page) pageResponse {
	return pageResponse{
		LocalID:        page.LocalID,
		ServerID:       page.ServerID,
		Title:          page.Title,
		Content:        page.Content,
		ContentType:    string(page.ContentType),
		Description:    page.Description,
		ImagePreviews:  page.ImagePreviews,
		CanvasImageCID: page.CanvasImageCID,
		CreatedAt:      page.CreatedAt,
		UpdatedAt:      page.UpdatedAt,
		IsDirty:        page.IsDirty,
		LastSyncedAt:   page.LastSyncedAt,
		Deleted:        page.Deleted,
	}
}

type statusResponse struct {
	syncer.StatusSnapshot
	Indicator string `json:"indicator"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	snapshot := h.orchestrator.Status(c.Request.Context())
	c.JSON(http.StatusOK, statusResponse{StatusSnapshot: snapshot, Indicator: snapshot.Indicator()})
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	limit := intQuery(c, "limit", 0)
	offset := intQuery(c, "offset", 0)

	result, err := h.store.ListActive(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list pages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": toPageResponses(result)})
}

func (h *httpHandler) handleSearchPages(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	result, err := h.store.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.logger.Error("failed to search pages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": toPageResponses(result)})
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	localID, ok := pathID(c)
	if !ok {
		return
	}
	page, err := h.store.FindByLocalID(c.Request.Context(), localID)
	if err != nil {
		h.logger.Error("failed to load page", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	if page == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, toPageResponse(page))
}

type createPageRequest struct {
	Title       string  `json:"title"`
	Content     *string `json:"content"`
	ContentType string  `json:"content_type"`
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request createPageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	page, err := h.orchestrator.CreatePage(c.Request.Context(), request.Title, pages.CreateFields{
		Content:     request.Content,
		ContentType: pages.ContentType(request.ContentType),
	})
	if err != nil {
		h.writePageError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPageResponse(page))
}

type updatePageRequest struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	ContentType *string `json:"content_type"`
}

func (h *httpHandler) handleUpdatePage(c *gin.Context) {
	localID, ok := pathID(c)
	if !ok {
		return
	}
	var request updatePageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	fields := pages.UpdateFields{Title: request.Title, Content: request.Content}
	if request.ContentType != nil {
		contentType, err := pages.ParseContentType(*request.ContentType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_type"})
			return
		}
		fields.ContentType = &contentType
	}

	page, err := h.orchestrator.UpdatePage(c.Request.Context(), localID, fields)
	if err != nil {
		h.writePageError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPageResponse(page))
}

func (h *httpHandler) handleDeletePage(c *gin.Context) {
	localID, ok := pathID(c)
	if !ok {
		return
	}
	page, err := h.orchestrator.DeletePage(c.Request.Context(), localID)
	if err != nil {
		h.writePageError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPageResponse(page))
}

func (h *httpHandler) handleTriggerSync(c *gin.Context) {
	result, err := h.orchestrator.TriggerSync(c.Request.Context())
	switch {
	case errors.Is(err, syncer.ErrSyncInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_flight"})
		return
	case errors.Is(err, syncer.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
		return
	case err != nil:
		h.logger.Error("sync trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) writePageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pages.ErrInvalidTitle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
	case errors.Is(err, pages.ErrInvalidContentType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_type"})
	case errors.Is(err, pages.ErrPageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("page mutation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func toPageResponses(result []pages.Page) []pageResponse {
	responses := make([]pageResponse, 0, len(result))
	for i := range result {
		responses = append(responses, toPageResponse(&result[i]))
	}
	return responses
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func pathID(c *gin.Context) (uint, bool) {
	value, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(value), true
}
