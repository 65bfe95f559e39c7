package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/zllovesuki/tally/auth"
	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/quota"
	resp "github.com/zllovesuki/tally/response"
	"github.com/zllovesuki/tally/subscription"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// maximum webhook body accepted, well above any event the processor sends.
// Oversized deliveries are rejected outright rather than truncated into a
// signature mismatch.
const maxWebhookBody int64 = 1 << 20

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	BillingManager *Manager
	QuotaEngine    *quota.Engine
	Reconciler     *Reconciler
	Logger         *zap.Logger
}

// Service is the billing API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.BillingManager == nil {
		return nil, fmt.Errorf("nil BillingManager is invalid")
	}
	if option.QuotaEngine == nil {
		return nil, fmt.Errorf("nil QuotaEngine is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// CreatePaymentIntentRequest is the model of a payment intent request
type CreatePaymentIntentRequest struct {
	Amount      float64 `json:"amount" validate:"required,gte=0.5"`
	Description string  `json:"description" validate:"omitempty,max=500"`
}

// CreateSubscriptionRequest is the model of a subscription creation request
type CreateSubscriptionRequest struct {
	PlanType        string `json:"planType" validate:"required,oneof=free pro enterprise"`
	PaymentMethodID string `json:"paymentMethodId" validate:"omitempty,max=255"`
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.BillingManager.GetOrCreateSubscription(ctx, claims.WorkspaceID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	planType, ok := subscription.ParsePlanType(req.PlanType)
	if !ok {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown plan type"))
		return
	}

	result, err := s.BillingManager.CreateSubscription(ctx, claims.WorkspaceID, planType, req.PaymentMethodID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	result, err := s.BillingManager.CancelSubscription(ctx, claims.WorkspaceID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	result, err := s.BillingManager.CreatePaymentIntent(ctx, claims.WorkspaceID, req.Amount, req.Description)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	payments, err := s.BillingManager.ListPayments(ctx, claims.WorkspaceID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, payments)
}

// UsageReport is the dashboard view of month-to-date usage against the
// active plan's limits
type UsageReport struct {
	PlanType subscription.PlanType `json:"planType"`
	Limits   subscription.Limits   `json:"limits"`
	Usage    map[string]int64      `json:"usage"`
}

func (s *Service) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.BillingManager.GetOrCreateSubscription(ctx, claims.WorkspaceID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	totals, err := s.QuotaEngine.CurrentMonthUsage(ctx, claims.WorkspaceID)
	if err != nil {
		s.writeFailure(w, r, claims.WorkspaceID, err)
		return
	}
	resp.WriteResponse(w, r, UsageReport{
		PlanType: sub.PlanType,
		Limits:   subscription.LimitsForPlan(sub.PlanType),
		Usage:    totals,
	})
}

// WebhookAck acknowledges a processed webhook delivery
type WebhookAck struct {
	Received bool `json:"received"`
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read request body"))
		return
	}

	if err := s.Reconciler.HandleEvent(ctx, payload, r.Header.Get("Stripe-Signature")); err != nil {
		var sigErr *external.SignatureError
		if errors.As(err, &sigErr) {
			// not acknowledged: the processor may retry, and a second
			// verification attempt is harmless
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid webhook signature"))
			return
		}
		s.Logger.Error("Unable to reconcile webhook event",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, WebhookAck{Received: true})
}

// writeFailure maps a typed billing failure onto the HTTP envelope
func (s *Service) writeFailure(w http.ResponseWriter, r *http.Request, workspaceID string, err error) {
	var validationErr *ValidationError
	var conflictErr *ConflictError
	var notFoundErr *NotFoundError
	var configErr *external.ConfigError
	var gatewayErr *external.GatewayError

	logger := s.Logger.With(zap.String("WorkspaceID", workspaceID))

	switch {
	case errors.As(err, &validationErr):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(validationErr.Reason))
	case errors.As(err, &conflictErr):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(conflictErr.Reason))
	case errors.As(err, &notFoundErr):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(notFoundErr.Reason))
	case errors.As(err, &configErr):
		logger.Error("Billing misconfiguration",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Billing is not configured for this plan"))
	case errors.As(err, &gatewayErr):
		logger.Error("Payment gateway returned error",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Payment processor request failed"))
	default:
		logger.Error("Unexpected error",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	}
}

// Router will return the authenticated routes under the billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/subscription", s.getSubscription)
	r.Post("/subscription", s.createSubscription)
	r.Delete("/subscription", s.cancelSubscription)
	r.Post("/payments", s.createPaymentIntent)
	r.Get("/payments", s.listPayments)
	r.Get("/usage", s.getUsage)

	return r
}

// WebhookRouter will return the unauthenticated webhook ingress. Signature
// verification is the only authentication on this surface.
func (s *Service) WebhookRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleWebhook)

	return r
}
