package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"
	"github.com/zllovesuki/tally/quota"
	"github.com/zllovesuki/tally/spec"
	"github.com/zllovesuki/tally/subscription"
	"github.com/zllovesuki/tally/usage"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	createCustomerFn      func(ctx context.Context, email, name string) (*external.Customer, error)
	createPaymentIntentFn func(ctx context.Context, opt external.PaymentIntentOptions) (*external.PaymentIntent, error)
	getPaymentIntentFn    func(ctx context.Context, paymentIntentID string) (*external.PaymentIntent, error)
	createSubscriptionFn  func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error)
	cancelSubscriptionFn  func(ctx context.Context, subscriptionID string) (*external.SubscriptionSnapshot, error)
	verifyWebhookFn       func(payload []byte, signature string) (external.Event, error)

	customersCreated int
	cancelsRequested int
}

var _ external.Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) CreateCustomer(ctx context.Context, email, name string) (*external.Customer, error) {
	f.customersCreated++
	if f.createCustomerFn != nil {
		return f.createCustomerFn(ctx, email, name)
	}
	return &external.Customer{ID: "cus_test", Email: email, Name: name}, nil
}

func (f *fakeGateway) CreatePaymentIntent(ctx context.Context, opt external.PaymentIntentOptions) (*external.PaymentIntent, error) {
	if f.createPaymentIntentFn != nil {
		return f.createPaymentIntentFn(ctx, opt)
	}
	return nil, errors.New("CreatePaymentIntent not scripted")
}

func (f *fakeGateway) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*external.PaymentIntent, error) {
	if f.getPaymentIntentFn != nil {
		return f.getPaymentIntentFn(ctx, paymentIntentID)
	}
	return nil, errors.New("GetPaymentIntent not scripted")
}

func (f *fakeGateway) CreateSubscription(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
	if f.createSubscriptionFn != nil {
		return f.createSubscriptionFn(ctx, opt)
	}
	return nil, errors.New("CreateSubscription not scripted")
}

func (f *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*external.SubscriptionSnapshot, error) {
	f.cancelsRequested++
	if f.cancelSubscriptionFn != nil {
		return f.cancelSubscriptionFn(ctx, subscriptionID)
	}
	return &external.SubscriptionSnapshot{ID: subscriptionID, Status: "canceled"}, nil
}

func (f *fakeGateway) VerifyWebhook(payload []byte, signature string) (external.Event, error) {
	if f.verifyWebhookFn != nil {
		return f.verifyWebhookFn(payload, signature)
	}
	return nil, errors.New("VerifyWebhook not scripted")
}

type fakeProducer struct {
	events []*spec.BillingEvent
}

func (f *fakeProducer) Close() {}

func (f *fakeProducer) PublishBillingEvent(e *spec.BillingEvent) error {
	f.events = append(f.events, e)
	return nil
}

type harness struct {
	subscriptions *subscription.Manager
	payments      *payment.Manager
	gateway       *fakeGateway
	producer      *fakeProducer
	manager       *Manager
	engine        *quota.Engine
}

func testHarness(t *testing.T, rdb redis.UniversalClient) *harness {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		sqlDB.Close()
	})

	logger := zap.NewNop()
	subManager, err := subscription.NewManager(logger, db)
	require.NoError(t, err)
	payManager, err := payment.NewManager(logger, db)
	require.NoError(t, err)
	usageManager, err := usage.NewManager(logger, db)
	require.NoError(t, err)
	engine, err := quota.NewEngine(quota.EngineOptions{
		UsageManager: usageManager,
		Logger:       logger,
	})
	require.NoError(t, err)

	gateway := &fakeGateway{}
	producer := &fakeProducer{}

	manager, err := NewManager(ManagerOptions{
		SubscriptionManager: subManager,
		PaymentManager:      payManager,
		Gateway:             gateway,
		Prices: external.PriceTable{
			"pro":        "price_pro",
			"enterprise": "price_enterprise",
		},
		Redis:    rdb,
		Producer: producer,
		Logger:   logger,
	})
	require.NoError(t, err)

	return &harness{
		subscriptions: subManager,
		payments:      payManager,
		gateway:       gateway,
		producer:      producer,
		manager:       manager,
		engine:        engine,
	}
}

func testRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
	})
	return mr, rdb
}

func TestCreatePaymentIntentRejectsBelowMinimum(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.CreatePaymentIntent(ctx, "ws1", 0.49, "topup")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	assert.Equal(t, 0, h.gateway.customersCreated, "gateway must not be touched on validation failure")
	list, err := h.payments.List(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreatePaymentIntent(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	h.gateway.createPaymentIntentFn = func(ctx context.Context, opt external.PaymentIntentOptions) (*external.PaymentIntent, error) {
		assert.Equal(t, 0.5, opt.Amount)
		assert.Equal(t, "usd", opt.Currency)
		assert.Equal(t, "cus_test", opt.CustomerID)
		return &external.PaymentIntent{
			ID:           "pi_1",
			ClientSecret: "pi_1_secret",
			Amount:       50,
			Currency:     opt.Currency,
			Status:       "requires_payment_method",
		}, nil
	}

	result, err := h.manager.CreatePaymentIntent(ctx, "ws1", 0.5, "topup")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", result.PaymentIntentID)
	assert.Equal(t, "pi_1_secret", result.ClientSecret)

	p, err := h.payments.Get(ctx, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, 0.5, p.Amount)

	// the lazily provisioned customer id sticks to the subscription row
	sub, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "cus_test", sub.ExternalCustomerID)
}

func TestCreateSubscriptionRejectsFreePlan(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	_, err := h.manager.CreateSubscription(ctx, "ws1", subscription.PlanFree, "")
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
}

func TestCreateSubscriptionRejectsAlreadyActive(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	require.NoError(t, h.subscriptions.SetStatus(ctx, "ws1", subscription.StatusActive))

	_, err = h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	var conflictErr *ConflictError
	require.True(t, errors.As(err, &conflictErr))
}

func TestCreateSubscription(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	h.gateway.createSubscriptionFn = func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
		assert.Equal(t, "cus_test", opt.CustomerID)
		assert.Equal(t, "price_pro", opt.PriceID)
		assert.Equal(t, "pm_card", opt.PaymentMethodID)
		assert.NotEmpty(t, opt.IdempotencyKey)
		return &external.SubscriptionSnapshot{
			ID:           "sub_1",
			CustomerID:   opt.CustomerID,
			Status:       "incomplete",
			UnitAmount:   29.99,
			ClientSecret: "pi_sub_secret",
		}, nil
	}

	result, err := h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", result.SubscriptionID)
	assert.Equal(t, "incomplete", result.Status)
	assert.Equal(t, "pi_sub_secret", result.ClientSecret)

	sub, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
	assert.Equal(t, subscription.PlanPro, sub.PlanType)
	assert.Equal(t, subscription.StatusUnpaid, sub.Status, "incomplete maps to unpaid until the invoice settles")
	assert.Equal(t, 29.99, sub.Amount)

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, spec.EventSubscriptionChanged, h.producer.events[0].Kind)
	assert.Equal(t, "ws1", h.producer.events[0].WorkspaceID)
}

func TestCreateSubscriptionReusesInFlightIdempotencyKey(t *testing.T) {
	mr, rdb := testRedis(t)
	h := testHarness(t, rdb)
	ctx := context.Background()

	// a prior attempt timed out and left its marker behind
	require.NoError(t, mr.Set(creationMarkerPrefix+"ws1", "key-from-first-attempt"))

	var seenKey string
	h.gateway.createSubscriptionFn = func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
		seenKey = opt.IdempotencyKey
		return &external.SubscriptionSnapshot{
			ID:     "sub_1",
			Status: "active",
		}, nil
	}

	_, err := h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	require.NoError(t, err)
	assert.Equal(t, "key-from-first-attempt", seenKey, "retry must replay the reserved key so the gateway deduplicates")

	// success clears the reservation
	assert.False(t, mr.Exists(creationMarkerPrefix+"ws1"))
}

func TestCreateSubscriptionKeepsMarkerOnGatewayTimeout(t *testing.T) {
	mr, rdb := testRedis(t)
	h := testHarness(t, rdb)
	ctx := context.Background()

	h.gateway.createSubscriptionFn = func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
		return nil, &external.GatewayError{Op: "CreateSubscription", Err: context.DeadlineExceeded}
	}

	_, err := h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	require.Error(t, err)

	// the gateway may have accepted the create before timing out, so the
	// reservation must survive for the retry to deduplicate against it
	require.True(t, mr.Exists(creationMarkerPrefix+"ws1"))
	reserved, err := mr.Get(creationMarkerPrefix + "ws1")
	require.NoError(t, err)

	var seenKey string
	h.gateway.createSubscriptionFn = func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
		seenKey = opt.IdempotencyKey
		return &external.SubscriptionSnapshot{
			ID:     "sub_1",
			Status: "active",
		}, nil
	}

	_, err = h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	require.NoError(t, err)
	assert.Equal(t, reserved, seenKey, "retry after timeout must replay the reserved key")
}

func TestCreateSubscriptionReleasesMarkerOnRefusal(t *testing.T) {
	mr, rdb := testRedis(t)
	h := testHarness(t, rdb)
	ctx := context.Background()

	h.gateway.createSubscriptionFn = func(ctx context.Context, opt external.SubscriptionOptions) (*external.SubscriptionSnapshot, error) {
		return nil, &external.GatewayError{Op: "CreateSubscription", Err: errors.New("card declined")}
	}

	_, err := h.manager.CreateSubscription(ctx, "ws1", subscription.PlanPro, "pm_card")
	require.Error(t, err)

	// a definite refusal frees the workspace for a fresh attempt
	assert.False(t, mr.Exists(creationMarkerPrefix+"ws1"))
}

func TestCancelSubscriptionWithoutActive(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)

	_, err = h.manager.CancelSubscription(ctx, "ws1")
	var notFoundErr *NotFoundError
	require.True(t, errors.As(err, &notFoundErr))
	assert.Equal(t, 0, h.gateway.cancelsRequested)

	// the trialing row is untouched
	sub, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrialing, sub.Status)
}

func TestCancelSubscription(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	_, err = h.subscriptions.OverwriteFromGateway(ctx, "ws1", subscription.PlanPro, &external.SubscriptionSnapshot{
		ID:     "sub_1",
		Status: "active",
	})
	require.NoError(t, err)

	result, err := h.manager.CancelSubscription(ctx, "ws1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, h.gateway.cancelsRequested)

	sub, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, spec.EventSubscriptionDeleted, h.producer.events[0].Kind)
}
