package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/internal/gateway"
	"github.com/matr1xp/ubereats-mcp-server/middleware"
)

// WorkflowGateway is the outbound call contract the service depends on.
// *gateway.Client implements it.
type WorkflowGateway interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// LoginInput is a login request. Password is forwarded to the workflow
// engine and never stored.
type LoginInput struct {
	Email    string
	Password string
	Manual   bool
	Lifetime time.Duration
	Metadata *domain.SessionMetadata
}

// LoginResult is the outcome of Login.
type LoginResult struct {
	Session *domain.Session
	Token   string
	Status  gateway.Status
	Message string
}

// LoginStatusResult is the outcome of CheckLoginStatus.
type LoginStatusResult struct {
	Session  *domain.Session
	Complete bool
	Status   gateway.Status
	Message  string
}

// OperationResult carries the engine's endpoint-specific fields verbatim.
type OperationResult struct {
	SessionID string                     `json:"sessionId"`
	Status    gateway.Status             `json:"status"`
	Message   string                     `json:"message,omitempty"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
}

// CartItem is one line added to the cart.
type CartItem struct {
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Options  []string `json:"options,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// Address is a delivery address.
type Address struct {
	Street       string `json:"street"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postalCode"`
	Country      string `json:"country,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// CheckoutInput holds optional checkout preferences.
type CheckoutInput struct {
	PaymentMethod string `json:"paymentMethod,omitempty"`
	Tip           string `json:"tip,omitempty"`
}

// OrderingService implements the ordering operations on top of the
// SessionManager and the workflow gateway. It depends on interfaces
// (injected via constructor). orders may be nil, which disables the ledger.
type OrderingService struct {
	sessions *SessionManager
	workflow WorkflowGateway
	orders   domain.OrderRepository
	now      func() time.Time
}

// NewOrderingService creates a new OrderingService.
func NewOrderingService(sessions *SessionManager, workflow WorkflowGateway, orders domain.OrderRepository) *OrderingService {
	return &OrderingService{
		sessions: sessions,
		workflow: workflow,
		orders:   orders,
		now:      time.Now,
	}
}

// Sessions exposes the session manager to handlers.
func (s *OrderingService) Sessions() *SessionManager {
	return s.sessions
}

// Login creates a session and asks the engine to authenticate it. Any
// failure after the session exists deletes it before the error is returned.
func (s *OrderingService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := middleware.StartSpan(ctx, "ordering.login", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("login.manual", in.Manual),
	))
	defer span.End()

	initial := domain.StateActive
	if in.Manual {
		initial = domain.StateManualLoginPending
	}

	sess, err := s.sessions.Create(ctx, in.Email, initial, in.Lifetime, in.Metadata)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("login %q: %w", in.Email, err)
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	resp, err := s.workflow.Call(ctx, gateway.Request{
		Endpoint:    gateway.EndpointLogin,
		SessionID:   sess.ID,
		ManualLogin: in.Manual,
		Carried:     &sess.Carried,
		Fields: map[string]any{
			"email":    in.Email,
			"password": in.Password,
			"manual":   in.Manual,
		},
	})
	if err != nil {
		span.RecordError(err)
		s.rollback(ctx, sess.ID)
		return nil, fmt.Errorf("login %q: %w", in.Email, err)
	}

	switch resp.Status {
	case gateway.StatusSuccess:
		completed := s.now().UTC()
		sess, err = s.sessions.Update(ctx, sess.ID, domain.SessionUpdate{
			State:            domain.StatePtr(domain.StateActive),
			LoginCompletedAt: &completed,
			Carried:          resp.CarriedState(),
		})
	case gateway.StatusManualLoginStarted, gateway.StatusLoginIncomplete:
		sess, err = s.sessions.Update(ctx, sess.ID, domain.SessionUpdate{
			State:   domain.StatePtr(domain.StateManualLoginPending),
			Carried: resp.CarriedState(),
		})
	default:
		s.rollback(ctx, sess.ID)
		span.SetAttributes(attribute.Bool("auth.success", false))
		return nil, domain.Authentication("login", sess.ID, messageOr(resp.Message, "login failed"))
	}
	if err != nil {
		span.RecordError(err)
		s.rollback(ctx, sess.ID)
		return nil, fmt.Errorf("login %q: %w", in.Email, err)
	}

	token, err := s.sessions.IssueToken(sess)
	if err != nil {
		span.RecordError(err)
		s.rollback(ctx, sess.ID)
		return nil, fmt.Errorf("login %q: %w", in.Email, err)
	}

	span.SetAttributes(attribute.String("session.state", string(sess.State)))
	return &LoginResult{
		Session: sess,
		Token:   token,
		Status:  resp.Status,
		Message: resp.Message,
	}, nil
}

func (s *OrderingService) rollback(ctx context.Context, sessionID string) {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		pkgzerolog.FromContext(ctx).Error().Err(err).Str("session_id", sessionID).Msg("Failed to roll back session")
	}
}

// CheckLoginStatus polls a pending manual login. ACTIVE sessions report
// completion without calling the engine.
func (s *OrderingService) CheckLoginStatus(ctx context.Context, sessionID string) (*LoginStatusResult, error) {
	ctx, span := middleware.StartSpan(ctx, "ordering.login_status", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check login status: %w", err)
	}
	if sess.State == domain.StateActive {
		return &LoginStatusResult{Session: sess, Complete: true, Status: gateway.StatusSuccess, Message: "Login already completed"}, nil
	}

	resp, err := s.workflow.Call(ctx, gateway.Request{
		Endpoint:  gateway.EndpointLoginStatus,
		SessionID: sess.ID,
		Carried:   &sess.Carried,
		Fields:    map[string]any{"email": sess.Owner},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check login status: %w", err)
	}

	switch resp.Status {
	case gateway.StatusLoginIncomplete, gateway.StatusManualLoginStarted:
		return &LoginStatusResult{
			Session: sess,
			Status:  gateway.StatusLoginIncomplete,
			Message: messageOr(resp.Message, "Login not completed yet, check again shortly"),
		}, nil
	case gateway.StatusSuccess:
		completed := s.now().UTC()
		sess, err = s.sessions.Update(ctx, sess.ID, domain.SessionUpdate{
			State:            domain.StatePtr(domain.StateActive),
			LoginCompletedAt: &completed,
			Carried:          resp.CarriedState(),
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("check login status: %w", err)
		}
		return &LoginStatusResult{Session: sess, Complete: true, Status: gateway.StatusSuccess, Message: resp.Message}, nil
	default:
		s.rollback(ctx, sess.ID)
		return nil, domain.Authentication("check login status", sess.ID, messageOr(resp.Message, "login failed"))
	}
}

// requireActive loads the session and rejects any state other than ACTIVE.
func (s *OrderingService) requireActive(ctx context.Context, op, sessionID string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sess.State != domain.StateActive {
		return nil, domain.Authentication(op, sessionID,
			fmt.Sprintf("session is not logged in (state %s)", sess.State))
	}
	return sess, nil
}

// invoke runs one session-bound engine call and persists returned carried state.
func (s *OrderingService) invoke(ctx context.Context, op string, ep gateway.Endpoint, sessionID string, fields map[string]any) (*OperationResult, *domain.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "ordering."+op, trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	sess, err := s.requireActive(ctx, op, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	resp, err := s.workflow.Call(ctx, gateway.Request{
		Endpoint:  ep,
		SessionID: sess.ID,
		Carried:   &sess.Carried,
		Fields:    fields,
	})
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.Status == gateway.StatusError {
		return nil, nil, &domain.Error{
			Kind:      domain.KindExternalService,
			Op:        op,
			SessionID: sess.ID,
			Endpoint:  ep.String(),
			Message:   messageOr(resp.Message, op+" failed"),
		}
	}

	upd := domain.SessionUpdate{Carried: resp.CarriedState()}
	if !upd.IsEmpty() {
		if sess, err = s.sessions.Update(ctx, sess.ID, upd); err != nil {
			span.RecordError(err)
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return &OperationResult{
		SessionID: sess.ID,
		Status:    resp.Status,
		Message:   resp.Message,
		Data:      resp.Fields,
	}, sess, nil
}

// AddItems adds items to the session's cart.
func (s *OrderingService) AddItems(ctx context.Context, sessionID, restaurant string, items []CartItem) (*OperationResult, error) {
	res, _, err := s.invoke(ctx, "add_items", gateway.EndpointAddItems, sessionID, map[string]any{
		"restaurant": restaurant,
		"items":      items,
	})
	return res, err
}

// SetAddress sets the delivery address.
func (s *OrderingService) SetAddress(ctx context.Context, sessionID string, addr Address) (*OperationResult, error) {
	res, _, err := s.invoke(ctx, "set_address", gateway.EndpointSetAddress, sessionID, map[string]any{
		"address": addr,
	})
	return res, err
}

// Checkout places the order and records it in the ledger.
func (s *OrderingService) Checkout(ctx context.Context, sessionID string, in CheckoutInput) (*OperationResult, error) {
	res, sess, err := s.invoke(ctx, "checkout", gateway.EndpointCheckout, sessionID, map[string]any{
		"paymentMethod": in.PaymentMethod,
		"tip":           in.Tip,
	})
	if err != nil {
		return nil, err
	}

	orderID := stringField(res.Data, "orderId")
	if orderID != "" && s.orders != nil {
		now := s.now().UTC()
		order := domain.Order{
			OrderID:   orderID,
			SessionID: sess.ID,
			Owner:     sess.Owner,
			Status:    messageOr(stringField(res.Data, "orderStatus"), domain.OrderStatusPlaced),
			Total:     stringField(res.Data, "total"),
			PlacedAt:  now,
			UpdatedAt: now,
		}
		if err := s.orders.Record(ctx, order); err != nil {
			s.ledgerFailed(ctx, "record", orderID, err)
		}
	}
	return res, nil
}

// OrderStatus fetches the order's current status and refreshes the ledger.
// While the engine's breaker is open it answers from the ledger instead,
// when the caller's order is recorded there.
func (s *OrderingService) OrderStatus(ctx context.Context, sessionID, orderID string) (*OperationResult, error) {
	res, sess, err := s.invoke(ctx, "order_status", gateway.EndpointOrderStatus, sessionID, map[string]any{
		"orderId": orderID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			if recorded := s.recordedStatus(ctx, sessionID, orderID); recorded != nil {
				return recorded, nil
			}
		}
		return nil, err
	}
	if status := stringField(res.Data, "orderStatus"); status != "" && s.orders != nil {
		if err := s.orders.UpdateStatus(ctx, sess.Owner, orderID, status); err != nil {
			s.ledgerFailed(ctx, "update status", orderID, err)
		}
	}
	return res, nil
}

// CancelOrder cancels the order and marks it cancelled in the ledger.
func (s *OrderingService) CancelOrder(ctx context.Context, sessionID, orderID string) (*OperationResult, error) {
	res, sess, err := s.invoke(ctx, "cancel_order", gateway.EndpointCancelOrder, sessionID, map[string]any{
		"orderId": orderID,
	})
	if err != nil {
		return nil, err
	}
	if s.orders != nil {
		if err := s.orders.UpdateStatus(ctx, sess.Owner, orderID, domain.OrderStatusCancelled); err != nil {
			s.ledgerFailed(ctx, "cancel", orderID, err)
		}
	}
	return res, nil
}

// recordedStatus builds an order-status result from the ledger. It returns
// nil when there is no ledger, no live session or no matching order.
func (s *OrderingService) recordedStatus(ctx context.Context, sessionID, orderID string) *OperationResult {
	if s.orders == nil {
		return nil
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	order, err := s.orders.Get(ctx, sess.Owner, orderID)
	if err != nil {
		s.ledgerFailed(ctx, "read", orderID, err)
		return nil
	}
	if order == nil {
		return nil
	}

	trace.SpanFromContext(ctx).AddEvent("order_status.served_from_ledger")
	return &OperationResult{
		SessionID: sess.ID,
		Status:    gateway.StatusSuccess,
		Message:   "Workflow engine unavailable, showing the last recorded status",
		Data: map[string]json.RawMessage{
			"orderId":     rawString(order.OrderID),
			"orderStatus": rawString(order.Status),
			"total":       rawString(order.Total),
			"updatedAt":   rawString(order.UpdatedAt.UTC().Format(time.RFC3339)),
			"source":      rawString("ledger"),
		},
	}
}

// ListOrders returns the owner's recorded orders, newest first.
func (s *OrderingService) ListOrders(ctx context.Context, owner string) ([]domain.Order, error) {
	if s.orders == nil {
		return []domain.Order{}, nil
	}
	orders, err := s.orders.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Best-effort: ledger failures never fail the user operation.
func (s *OrderingService) ledgerFailed(ctx context.Context, action, orderID string, err error) {
	trace.SpanFromContext(ctx).RecordError(fmt.Errorf("order ledger %s: %w", action, err))
	pkgzerolog.FromContext(ctx).Warn().Err(err).Str("order_id", orderID).Str("action", action).Msg("Order ledger write failed")
}

// ExtendSession pushes the session deadline forward and re-issues its
// token, since the previous token expires with the old deadline.
func (s *OrderingService) ExtendSession(ctx context.Context, sessionID string, extraMinutes int) (*domain.Session, string, error) {
	sess, err := s.sessions.Extend(ctx, sessionID, extraMinutes)
	if err != nil {
		return nil, "", err
	}
	token, err := s.sessions.IssueToken(sess)
	if err != nil {
		return nil, "", fmt.Errorf("extend session: %w", err)
	}
	return sess, token, nil
}

// Logout deletes the session.
func (s *OrderingService) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Authenticate resolves a bearer token to its live session.
func (s *OrderingService) Authenticate(ctx context.Context, token string) (*domain.Session, error) {
	claims, err := s.sessions.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if sess.Owner != claims.Owner() {
		return nil, domain.InvalidToken(fmt.Errorf("owner mismatch for session %s", sess.ID))
	}
	return sess, nil
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

func rawString(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// stringField returns a string-typed field, or "" when absent or not a string.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}
