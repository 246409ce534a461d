package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lawlibrary/internal/logger"
	"lawlibrary/internal/models"
	"lawlibrary/internal/services"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Lending   services.LendingService
	Catalog   services.CatalogService
	Jobs      services.JobService
	JWTSecret []byte
	Log       *logger.Logger
	// Health reports whether the backing store is reachable. Optional.
	Health func(ctx context.Context) error
}

type LibraryHandler struct {
	lending services.LendingService
	catalog services.CatalogService
	jobs    services.JobService
	health  func(ctx context.Context) error
}

// NewRouter builds a gin engine with request id, logging and recovery
// middleware and all routes registered.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), RequestLogger(d.Log), Recovery(d.Log))
	RegisterRoutes(r, d)
	return r
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	useJSONFieldNames()
	h := &LibraryHandler{
		lending: d.Lending,
		catalog: d.Catalog,
		jobs:    d.Jobs,
		health:  d.Health,
	}

	r.GET("/health", h.healthCheck)

	lib := r.Group("/library", AuthMiddleware(d.JWTSecret, d.Catalog))

	// Member endpoints
	lib.POST("/checkout/", h.checkoutBook)
	lib.POST("/return/", h.returnBook)
	lib.POST("/reserve/", h.reserveBook)
	lib.GET("/my-checkouts/", h.listMyCheckouts)
	lib.GET("/overdue/", h.listMyOverdue)
	lib.GET("/transactions/", h.listMyTransactions)
	lib.GET("/reservations/", h.listMyReservations)
	lib.DELETE("/reservations/:id/", h.cancelReservation)

	// Catalogue
	lib.GET("/books/", h.listBooks)
	lib.GET("/books/:id/", h.getBook)
	lib.POST("/books/", RequireCapability(models.CapManageCatalog), h.createBook)
	lib.PATCH("/books/:id/", RequireCapability(models.CapManageCatalog), h.updateBook)

	// Admin endpoints
	admin := lib.Group("/admin")
	admin.GET("/overdue/", RequireCapability(models.CapViewAllOverdue), h.listAllOverdue)
	admin.POST("/notifications/", RequireCapability(models.CapSendNotifications), h.sendNotifications)
}

func (h *LibraryHandler) healthCheck(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ─── Lending ──────────────────────────────────────────────────────────────────

type bookRequest struct {
	BookID uint `json:"book_id" binding:"required,min=1"`
}

type returnRequest struct {
	CheckoutID uint `json:"checkout_id" binding:"required,min=1"`
}

func (h *LibraryHandler) checkoutBook(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	checkout, err := h.lending.Checkout(c.Request.Context(), user.ID, req.BookID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, checkout)
}

func (h *LibraryHandler) returnBook(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	checkout, err := h.lending.Return(c.Request.Context(), user.ID, req.CheckoutID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (h *LibraryHandler) reserveBook(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	reservation, err := h.lending.Reserve(c.Request.Context(), user.ID, req.BookID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func (h *LibraryHandler) cancelReservation(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	id, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	reservation, err := h.lending.CancelReservation(c.Request.Context(), user.ID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

func (h *LibraryHandler) listMyCheckouts(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	checkouts, err := h.lending.ListCheckouts(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkouts)
}

func (h *LibraryHandler) listMyOverdue(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	overdue, err := h.lending.ListOverdue(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overdue)
}

func (h *LibraryHandler) listMyTransactions(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	entries, err := h.lending.ListTransactions(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *LibraryHandler) listMyReservations(c *gin.Context) {
	user, ok := mustPrincipal(c)
	if !ok {
		return
	}
	reservations, err := h.lending.ListReservations(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservations)
}

// ─── Catalogue ────────────────────────────────────────────────────────────────

type createBookRequest struct {
	Title       string `json:"title" binding:"required,max=255"`
	Author      string `json:"author" binding:"required,max=255"`
	ISBN        string `json:"isbn" binding:"required,max=13"`
	Publisher   string `json:"publisher" binding:"max=255"`
	Location    string `json:"location" binding:"max=100"`
	TotalCopies int    `json:"total_copies" binding:"required,min=1"`
}

func (h *LibraryHandler) createBook(c *gin.Context) {
	var req createBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	book, err := h.catalog.CreateBook(c.Request.Context(), services.NewBook{
		Title:       req.Title,
		Author:      req.Author,
		ISBN:        req.ISBN,
		Publisher:   req.Publisher,
		Location:    req.Location,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

type updateBookRequest struct {
	Title       *string `json:"title" binding:"omitempty,min=1,max=255"`
	Author      *string `json:"author" binding:"omitempty,min=1,max=255"`
	ISBN        *string `json:"isbn" binding:"omitempty,min=1,max=13"`
	Publisher   *string `json:"publisher" binding:"omitempty,max=255"`
	Location    *string `json:"location" binding:"omitempty,max=100"`
	TotalCopies *int    `json:"total_copies" binding:"omitempty,min=1"`
}

func (h *LibraryHandler) updateBook(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req updateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	book, err := h.catalog.UpdateBook(c.Request.Context(), id, services.BookUpdate{
		Title:       req.Title,
		Author:      req.Author,
		ISBN:        req.ISBN,
		Publisher:   req.Publisher,
		Location:    req.Location,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	availableOnly, err := strconv.ParseBool(c.DefaultQuery("available_only", "false"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  "invalid request",
			"fields": map[string]string{"available_only": "boolean"},
		})
		return
	}

	books, err := h.catalog.ListBooks(c.Request.Context(), availableOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LibraryHandler) getBook(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	book, err := h.catalog.GetBook(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// ─── Admin ────────────────────────────────────────────────────────────────────

func (h *LibraryHandler) listAllOverdue(c *gin.Context) {
	overdue, err := h.jobs.RefreshOverdueFines(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overdue)
}

func (h *LibraryHandler) sendNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	overdue, err := h.jobs.CheckOverdueBooks(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	available, err := h.jobs.NotifyBookAvailability(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Sent %d overdue notifications and %d availability notifications", overdue, available),
	})
}

func pathID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		return 0, services.ErrInvalidID
	}
	return uint(id), nil
}
