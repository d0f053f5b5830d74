package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jsamuelsen/quotesync/internal/adapters/http/dto"
	"github.com/jsamuelsen/quotesync/internal/app"
	"github.com/jsamuelsen/quotesync/internal/domain"
)

// QuoteService is the part of *app.QuoteService the control API drives.
type QuoteService interface {
	Records(category string) []domain.Quote
	Record(id string) (domain.Quote, error)
	Categories() []string
	AddQuote(ctx context.Context, text, category string) (domain.Quote, error)
	CurrentConflicts() []domain.Conflict
	ResolveRestoreLocal(ctx context.Context, id string) (bool, error)
	ResolveKeepRemote(ctx context.Context, id string) (bool, error)
	TriggerSyncNow(ctx context.Context) (*app.CycleResult, error)
	SetAutoSync(enabled bool, interval time.Duration) error
	SyncStatus() app.SyncStatus
	Export(w io.Writer) error
	Import(ctx context.Context, r io.Reader) ([]domain.Quote, error)
}

// QuoteHandler exposes the quote collection, conflicts and sync control.
type QuoteHandler struct {
	service QuoteService
}

// NewQuoteHandler creates a new quote handler.
func NewQuoteHandler(service QuoteService) *QuoteHandler {
	return &QuoteHandler{
		service: service,
	}
}

// QuoteResponse is the HTTP response structure for a quote.
type QuoteResponse struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Category     string    `json:"category"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Synced       bool      `json:"synced"`
	Source       string    `json:"source"`
	PushAttempts int       `json:"pushAttempts,omitempty"`
}

func toQuoteResponse(q domain.Quote) QuoteResponse {
	return QuoteResponse{
		ID:           q.ID,
		Text:         q.Text,
		Category:     q.Category,
		UpdatedAt:    q.UpdatedAt,
		Synced:       q.Synced,
		Source:       q.Source.String(),
		PushAttempts: q.PushAttempts,
	}
}

func toQuoteResponses(qs []domain.Quote) []QuoteResponse {
	out := make([]QuoteResponse, 0, len(qs))
	for _, q := range qs {
		out = append(out, toQuoteResponse(q))
	}

	return out
}

// ListQuotesRequest holds the query parameters of GET /quotes.
type ListQuotesRequest struct {
	dto.PaginationRequest

	Category string `form:"category"`
}

// CreateQuoteRequest is the body of POST /quotes.
type CreateQuoteRequest struct {
	Text     string `json:"text"     validate:"required,notempty"`
	Category string `json:"category" validate:"required,notempty"`
}

// ConflictResponse pairs the two versions of a diverged record.
type ConflictResponse struct {
	ID         string        `json:"id"`
	Local      QuoteResponse `json:"local"`
	Remote     QuoteResponse `json:"remote"`
	DetectedAt time.Time     `json:"detectedAt"`
}

// ResolveResponse reports the outcome of a conflict resolution.
type ResolveResponse struct {
	ID     string        `json:"id"`
	Action string        `json:"action"`
	Quote  QuoteResponse `json:"quote"`
}

// CycleResponse summarises one sync cycle.
type CycleResponse struct {
	CycleID     string             `json:"cycleId"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt"`
	DurationMs  int64              `json:"durationMs"`
	Pushed      int                `json:"pushed"`
	PushFailed  int                `json:"pushFailed"`
	PushSkipped int                `json:"pushSkipped"`
	Pulled      int                `json:"pulled"`
	Inserted    int                `json:"inserted"`
	Adopted     int                `json:"adopted"`
	Conflicts   []ConflictResponse `json:"conflicts"`
	PushErrors  map[string]string  `json:"pushErrors,omitempty"`
	PullError   string             `json:"pullError,omitempty"`
	PersistErr  string             `json:"persistError,omitempty"`
	Degraded    bool               `json:"degraded"`
}

// AutoSyncRequest is the body of PUT /sync/auto.
type AutoSyncRequest struct {
	Enabled    *bool `json:"enabled"    validate:"required"`
	IntervalMs int64 `json:"intervalMs" validate:"omitempty,min=1000"`
}

// SyncStatusResponse describes the scheduler and the collection.
type SyncStatusResponse struct {
	State            string         `json:"state"`
	AutoSync         bool           `json:"autoSync"`
	IntervalMs       int64          `json:"intervalMs,omitempty"`
	LastSync         *time.Time     `json:"lastSync,omitempty"`
	Records          int            `json:"records"`
	PendingPush      int            `json:"pendingPush"`
	PendingConflicts int            `json:"pendingConflicts"`
	LastCycle        *CycleResponse `json:"lastCycle,omitempty"`
}

// ImportResponse lists the records created by an import.
type ImportResponse struct {
	Imported int             `json:"imported"`
	Quotes   []QuoteResponse `json:"quotes"`
}

func toConflictResponses(cs []domain.Conflict) []ConflictResponse {
	out := make([]ConflictResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, ConflictResponse{
			ID:         c.ID,
			Local:      toQuoteResponse(c.Local),
			Remote:     toQuoteResponse(c.Remote),
			DetectedAt: c.DetectedAt,
		})
	}

	return out
}

func toCycleResponse(res *app.CycleResult) *CycleResponse {
	if res == nil {
		return nil
	}

	out := &CycleResponse{
		CycleID:     res.CycleID,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
		DurationMs:  res.Duration().Milliseconds(),
		Pushed:      res.Pushed,
		PushFailed:  res.PushFailed,
		PushSkipped: res.PushSkipped,
		Pulled:      res.Pulled,
		Inserted:    res.Inserted,
		Adopted:     res.Adopted,
		Conflicts:   toConflictResponses(res.Conflicts),
		Degraded:    res.Degraded(),
	}

	if len(res.PushErrs) > 0 {
		out.PushErrors = make(map[string]string, len(res.PushErrs))
		for id, err := range res.PushErrs {
			out.PushErrors[id] = err.Error()
		}
	}

	if res.PullErr != nil {
		out.PullError = res.PullErr.Error()
	}

	if res.PersistErr != nil {
		out.PersistErr = res.PersistErr.Error()
	}

	return out
}

// ListQuotes handles GET /api/v1/quotes.
// Records are returned in insertion order, a page at a time. The cursor
// holds the id of the last record of the previous page.
func (h *QuoteHandler) ListQuotes(c *gin.Context) {
	var req ListQuotesRequest
	if err := dto.BindQueryAndValidate(c, &req); err != nil {
		if dto.IsValidationError(err) {
			dto.RespondWithValidationErrors(c, dto.ValidationErrors(err))
			return
		}

		dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "invalid query parameters")

		return
	}

	records := h.service.Records(req.Category)

	start := 0

	cursor, err := req.DecodeCursor()

	switch {
	case errors.Is(err, dto.ErrNoCursor):
	case err != nil:
		dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "invalid cursor")
		return
	case cursor.Category != req.Category:
		dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "cursor was issued for a different category")
		return
	default:
		i := slices.IndexFunc(records, func(q domain.Quote) bool { return q.ID == cursor.After })
		if i < 0 {
			dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "cursor no longer matches a record")
			return
		}

		start = i + 1
	}

	limit := req.GetLimit()
	end := min(start+limit+1, len(records))

	page := dto.NewPaginatedResponse(toQuoteResponses(records[start:end]), limit, func(last QuoteResponse) dto.Cursor {
		return dto.Cursor{After: last.ID, Category: req.Category}
	})

	c.JSON(http.StatusOK, page)
}

// CreateQuote handles POST /api/v1/quotes.
func (h *QuoteHandler) CreateQuote(c *gin.Context) {
	var req CreateQuoteRequest
	if err := dto.BindAndValidate(c, &req); err != nil {
		if dto.IsValidationError(err) {
			dto.RespondWithValidationErrors(c, dto.ValidationErrors(err))
			return
		}

		dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "request body must be a JSON object")

		return
	}

	q, err := h.service.AddQuote(c.Request.Context(), req.Text, req.Category)
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toQuoteResponse(q))
}

// GetQuote handles GET /api/v1/quotes/:id.
func (h *QuoteHandler) GetQuote(c *gin.Context) {
	q, err := h.service.Record(c.Param("id"))
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, toQuoteResponse(q))
}

// ListCategories handles GET /api/v1/categories.
func (h *QuoteHandler) ListCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": h.service.Categories()})
}

// Export handles GET /api/v1/export and sends the collection as a file.
func (h *QuoteHandler) Export(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.service.Export(&buf); err != nil {
		dto.HandleError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="quotes.json"`)
	c.Data(http.StatusOK, "application/json", buf.Bytes())
}

// Import handles POST /api/v1/import. The body is a JSON array of
// {text, category} objects; it is accepted whole or not at all.
func (h *QuoteHandler) Import(c *gin.Context) {
	added, err := h.service.Import(c.Request.Context(), c.Request.Body)
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ImportResponse{
		Imported: len(added),
		Quotes:   toQuoteResponses(added),
	})
}

// ListConflicts handles GET /api/v1/conflicts.
func (h *QuoteHandler) ListConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conflicts": toConflictResponses(h.service.CurrentConflicts())})
}

// RestoreLocal handles POST /api/v1/conflicts/:id/restore-local.
func (h *QuoteHandler) RestoreLocal(c *gin.Context) {
	h.resolve(c, "restore-local", h.service.ResolveRestoreLocal)
}

// KeepRemote handles POST /api/v1/conflicts/:id/keep-remote.
func (h *QuoteHandler) KeepRemote(c *gin.Context) {
	h.resolve(c, "keep-remote", h.service.ResolveKeepRemote)
}

func (h *QuoteHandler) resolve(c *gin.Context, action string, fn func(context.Context, string) (bool, error)) {
	id := c.Param("id")

	ok, err := fn(c.Request.Context(), id)
	if !ok {
		if err == nil {
			err = domain.NewNotFoundError("conflict", id)
		}

		dto.HandleError(c, err)

		return
	}

	if err != nil {
		dto.HandleError(c, err)
		return
	}

	resp := ResolveResponse{ID: id, Action: action}
	if q, err := h.service.Record(id); err == nil {
		resp.Quote = toQuoteResponse(q)
	}

	c.JSON(http.StatusOK, resp)
}

// TriggerSync handles POST /api/v1/sync. It runs a cycle and returns its
// summary, or 409 when a cycle is already running.
func (h *QuoteHandler) TriggerSync(c *gin.Context) {
	res, err := h.service.TriggerSyncNow(c.Request.Context())
	if err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, toCycleResponse(res))
}

// SetAutoSync handles PUT /api/v1/sync/auto.
func (h *QuoteHandler) SetAutoSync(c *gin.Context) {
	var req AutoSyncRequest
	if err := dto.BindAndValidate(c, &req); err != nil {
		if dto.IsValidationError(err) {
			dto.RespondWithValidationErrors(c, dto.ValidationErrors(err))
			return
		}

		dto.RespondWithErrorCode(c, dto.ErrorCodeBadRequest, "request body must be a JSON object")

		return
	}

	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if err := h.service.SetAutoSync(*req.Enabled, interval); err != nil {
		dto.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.statusResponse())
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *QuoteHandler) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.statusResponse())
}

func (h *QuoteHandler) statusResponse() SyncStatusResponse {
	st := h.service.SyncStatus()

	resp := SyncStatusResponse{
		State:            st.State.String(),
		AutoSync:         st.AutoSync,
		IntervalMs:       st.Interval.Milliseconds(),
		Records:          st.Records,
		PendingPush:      st.PendingPush,
		PendingConflicts: st.PendingConflicts,
		LastCycle:        toCycleResponse(st.LastResult),
	}

	if !st.LastSync.IsZero() {
		lastSync := st.LastSync
		resp.LastSync = &lastSync
	}

	return resp
}

// RegisterQuoteRoutes registers the collection routes on the given router group.
func (h *QuoteHandler) RegisterQuoteRoutes(rg *gin.RouterGroup) {
	quotes := rg.Group("/quotes")
	quotes.GET("", h.ListQuotes)
	quotes.POST("", h.CreateQuote)
	quotes.GET("/:id", h.GetQuote)

	rg.GET("/categories", h.ListCategories)
	rg.GET("/export", h.Export)
	rg.POST("/import", h.Import)

	conflicts := rg.Group("/conflicts")
	conflicts.GET("", h.ListConflicts)
	conflicts.POST("/:id/restore-local", h.RestoreLocal)
	conflicts.POST("/:id/keep-remote", h.KeepRemote)

	rg.GET("/sync/status", h.SyncStatus)
	rg.PUT("/sync/auto", h.SetAutoSync)
}

// RegisterSyncRoutes registers the manual sync trigger. A cycle is bounded by
// the scheduler's cycle timeout, so this route is kept off the request
// timeout group.
func (h *QuoteHandler) RegisterSyncRoutes(rg *gin.RouterGroup) {
	rg.POST("/sync", h.TriggerSync)
}
