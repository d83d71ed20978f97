package v1

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/internal/gateway"
	logicv1 "github.com/matr1xp/ubereats-mcp-server/internal/logic/v1"
	"github.com/matr1xp/ubereats-mcp-server/middleware"
)

// sessionKey is the gin context key holding the authenticated *domain.Session.
const sessionKey = "session"

// BreakerReporter exposes per-endpoint circuit breaker state.
// *gateway.Client implements it.
type BreakerReporter interface {
	Health() []gateway.BreakerSnapshot
}

// Handler groups HTTP handlers for the ordering API v1.
// Dependencies are injected via the constructor, no global state.
type Handler struct {
	svc      *logicv1.OrderingService
	breakers BreakerReporter
}

// NewHandler creates a new Handler. breakers may be nil.
func NewHandler(svc *logicv1.OrderingService, breakers BreakerReporter) *Handler {
	return &Handler{svc: svc, breakers: breakers}
}

// RegisterRoutes registers all API v1 routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/login", h.Login)
	rg.GET("/workflow/health", h.WorkflowHealth)

	authed := rg.Group("", h.RequireSession)
	authed.GET("/auth/login-status", h.LoginStatus)
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/sessions", h.ListSessions)
	authed.GET("/session", h.GetSession)
	authed.POST("/session/extend", h.ExtendSession)
	authed.POST("/cart/items", h.AddItems)
	authed.PUT("/address", h.SetAddress)
	authed.POST("/checkout", h.Checkout)
	authed.GET("/orders", h.ListOrders)
	authed.GET("/orders/:id", h.GetOrder)
	authed.DELETE("/orders/:id", h.CancelOrder)
}

func startRequest(c *gin.Context) (context.Context, trace.Span, *zerolog.Logger) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("method", c.Request.Method),
		attribute.String("path", c.FullPath()),
	))
	return ctx, span, pkgzerolog.FromContext(ctx)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, logicv1.ErrNotFound), errors.Is(err, logicv1.ErrExpired):
		return http.StatusNotFound
	case errors.Is(err, logicv1.ErrAuthentication), errors.Is(err, logicv1.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, logicv1.ErrCapacityExceeded), errors.Is(err, logicv1.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, logicv1.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body. Internal errors never leak their text.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	msg := domain.UserMessage(err)
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"kind": kind.String(), "message": msg}})
}

func badRequest(c *gin.Context, span trace.Span, logger *zerolog.Logger, err error) {
	span.SetAttributes(attribute.Bool("request.valid", false))
	span.RecordError(err)
	logger.Warn().Err(err).Msg("Invalid request")
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"kind": "invalid_request", "message": err.Error()}})
}

// RequireSession authenticates the bearer token and stores the live session
// in the gin context.
// Authorization: Bearer <token>
func (h *Handler) RequireSession(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.authenticate", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		span.SetAttributes(attribute.Bool("auth.present", false))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": domain.KindInvalidToken.String(), "message": "Authorization header required"}})
		return
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		span.SetAttributes(attribute.Bool("auth.valid_format", false))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": domain.KindInvalidToken.String(), "message": "Invalid authorization format"}})
		return
	}
	token := authHeader[len(bearerPrefix):]
	span.SetAttributes(attribute.Bool("auth.present", true))

	sess, err := h.svc.Authenticate(ctx, token)
	if err != nil {
		span.RecordError(err)
		pkgzerolog.FromContext(ctx).Warn().Err(err).Msg("Token authentication failed")
		if errors.Is(err, logicv1.ErrNotFound) || errors.Is(err, logicv1.ErrExpired) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": domain.KindOf(err).String(), "message": "Session not found or expired"}})
			return
		}
		respondError(c, err)
		return
	}

	c.Set(sessionKey, sess)
	c.Set(middleware.SessionIDKey, sess.ID)
	c.Next()
}

func currentSession(c *gin.Context) *domain.Session {
	return c.MustGet(sessionKey).(*domain.Session)
}

type loginRequest struct {
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password"`
	Manual          bool   `json:"manual"`
	LifetimeMinutes int    `json:"lifetimeMinutes" binding:"omitempty,min=1,max=1440"`
}

type sessionView struct {
	ID               string              `json:"id"`
	Owner            string              `json:"owner"`
	State            domain.SessionState `json:"state"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	ExpiresAt        time.Time           `json:"expiresAt"`
	LoginCompletedAt *time.Time          `json:"loginCompletedAt,omitempty"`
}

// newSessionView omits the carried browser state, which never leaves the service.
func newSessionView(s *domain.Session) sessionView {
	return sessionView{
		ID:               s.ID,
		Owner:            s.Owner,
		State:            s.State,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		ExpiresAt:        s.ExpiresAt,
		LoginCompletedAt: s.LoginCompletedAt,
	}
}

// Login handles HTTP request for automated or manual login.
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, logger, err)
		return
	}
	if !req.Manual && req.Password == "" {
		badRequest(c, span, logger, errors.New("password is required unless manual is set"))
		return
	}
	span.SetAttributes(attribute.Bool("request.valid", true))

	res, err := h.svc.Login(ctx, logicv1.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Manual:   req.Manual,
		Lifetime: time.Duration(req.LifetimeMinutes) * time.Minute,
		Metadata: &domain.SessionMetadata{
			UserAgent: c.Request.UserAgent(),
			IPAddress: c.ClientIP(),
		},
	})
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Bool("manual", req.Manual).Msg("Login failed")
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if res.Session.State == domain.StateManualLoginPending {
		status = http.StatusAccepted
	}
	logger.Info().Str("session_id", res.Session.ID).Str("state", string(res.Session.State)).Msg("Login accepted")
	c.JSON(status, gin.H{
		"session": newSessionView(res.Session),
		"token":   res.Token,
		"status":  res.Status,
		"message": res.Message,
	})
}

// LoginStatus polls a pending manual login.
// GET /api/v1/auth/login-status
func (h *Handler) LoginStatus(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	sess := currentSession(c)
	res, err := h.svc.CheckLoginStatus(ctx, sess.ID)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("session_id", sess.ID).Msg("Login status check failed")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  newSessionView(res.Session),
		"complete": res.Complete,
		"status":   res.Status,
		"message":  res.Message,
	})
}

// Logout deletes the caller's session.
// POST /api/v1/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	sess := currentSession(c)
	if err := h.svc.Logout(ctx, sess.ID); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("session_id", sess.ID).Msg("Logout failed")
		respondError(c, err)
		return
	}

	logger.Info().Str("session_id", sess.ID).Msg("Logged out")
	c.Status(http.StatusNoContent)
}

// GetSession returns the caller's session.
// GET /api/v1/session
func (h *Handler) GetSession(c *gin.Context) {
	_, span, _ := startRequest(c)
	defer span.End()

	c.JSON(http.StatusOK, newSessionView(currentSession(c)))
}

// ListSessions returns the live sessions of the caller's owner. An explicit
// owner query parameter must match the token's owner.
// GET /api/v1/sessions?owner=
func (h *Handler) ListSessions(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	sess := currentSession(c)
	owner := c.DefaultQuery("owner", sess.Owner)
	if owner != sess.Owner {
		span.SetAttributes(attribute.Bool("auth.owner_match", false))
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"kind": domain.KindAuthentication.String(), "message": "Cannot list sessions of another owner"}})
		return
	}

	sessions, err := h.svc.Sessions().ListByOwner(ctx, owner)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("List sessions failed")
		respondError(c, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

type extendRequest struct {
	ExtraMinutes int `json:"extraMinutes" binding:"required,min=1,max=1440"`
}

// ExtendSession pushes the caller's session deadline forward and returns a
// token valid until the new deadline.
// POST /api/v1/session/extend
func (h *Handler) ExtendSession(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, logger, err)
		return
	}

	sess, token, err := h.svc.ExtendSession(ctx, currentSession(c).ID, req.ExtraMinutes)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("Extend session failed")
		respondError(c, err)
		return
	}

	logger.Info().Str("session_id", sess.ID).Time("expires_at", sess.ExpiresAt).Msg("Session extended")
	c.JSON(http.StatusOK, gin.H{
		"session": newSessionView(sess),
		"token":   token,
	})
}

type cartItemRequest struct {
	Name     string   `json:"name" binding:"required"`
	Quantity int      `json:"quantity" binding:"required,min=1,max=99"`
	Options  []string `json:"options"`
	Notes    string   `json:"notes" binding:"max=500"`
}

type addItemsRequest struct {
	Restaurant string            `json:"restaurant" binding:"required"`
	Items      []cartItemRequest `json:"items" binding:"required,min=1,dive"`
}

// AddItems adds items to the cart.
// POST /api/v1/cart/items
func (h *Handler) AddItems(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	var req addItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, logger, err)
		return
	}

	items := make([]logicv1.CartItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = logicv1.CartItem{Name: it.Name, Quantity: it.Quantity, Options: it.Options, Notes: it.Notes}
	}

	res, err := h.svc.AddItems(ctx, currentSession(c).ID, req.Restaurant, items)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("restaurant", req.Restaurant).Msg("Add items failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type addressRequest struct {
	Street       string `json:"street" binding:"required"`
	City         string `json:"city" binding:"required"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode" binding:"required"`
	Country      string `json:"country"`
	Instructions string `json:"instructions" binding:"max=500"`
}

// SetAddress sets the delivery address.
// PUT /api/v1/address
func (h *Handler) SetAddress(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, span, logger, err)
		return
	}

	res, err := h.svc.SetAddress(ctx, currentSession(c).ID, logicv1.Address(req))
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("Set address failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type checkoutRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Tip           string `json:"tip"`
}

// Checkout places the order. The body is optional.
// POST /api/v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	var req checkoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, span, logger, err)
			return
		}
	}

	res, err := h.svc.Checkout(ctx, currentSession(c).ID, logicv1.CheckoutInput(req))
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("Checkout failed")
		respondError(c, err)
		return
	}

	logger.Info().Str("session_id", res.SessionID).Msg("Checkout completed")
	c.JSON(http.StatusOK, res)
}

// GetOrder fetches the live order status from the workflow engine, or the
// last recorded status while the engine's breaker is open.
// GET /api/v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	orderID := c.Param("id")
	span.SetAttributes(attribute.String("order.id", orderID))

	res, err := h.svc.OrderStatus(ctx, currentSession(c).ID, orderID)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("order_id", orderID).Msg("Order status failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelOrder cancels an order.
// DELETE /api/v1/orders/:id
func (h *Handler) CancelOrder(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	orderID := c.Param("id")
	span.SetAttributes(attribute.String("order.id", orderID))

	res, err := h.svc.CancelOrder(ctx, currentSession(c).ID, orderID)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("order_id", orderID).Msg("Cancel order failed")
		respondError(c, err)
		return
	}

	logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	c.JSON(http.StatusOK, res)
}

// ListOrders returns the ledger entries of the caller's owner.
// GET /api/v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	ctx, span, logger := startRequest(c)
	defer span.End()

	orders, err := h.svc.ListOrders(ctx, currentSession(c).Owner)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("List orders failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// WorkflowHealth reports the circuit breaker state of every workflow endpoint.
// GET /api/v1/workflow/health
func (h *Handler) WorkflowHealth(c *gin.Context) {
	if h.breakers == nil {
		c.JSON(http.StatusOK, gin.H{"endpoints": []gateway.BreakerSnapshot{}})
		return
	}

	snaps := h.breakers.Health()
	healthy := true
	for _, s := range snaps {
		if s.State == gateway.BreakerOpen {
			healthy = false
		}
	}
	c.JSON(http.StatusOK, gin.H{"healthy": healthy, "endpoints": snaps})
}
