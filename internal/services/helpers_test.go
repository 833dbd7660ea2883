package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/gateway"
	"github.com/sambitmohanty1/rentpay/internal/gateway/gatewaytest"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/monitoring"
	"github.com/sambitmohanty1/rentpay/internal/notification"
	"github.com/sambitmohanty1/rentpay/internal/services"
	"github.com/sambitmohanty1/rentpay/internal/store"
	"github.com/sambitmohanty1/rentpay/internal/testutil"
)

const (
	tenantA = "t1a2b3c4-0000-4000-8000-000000000001"
	tenantB = "b7c8d9e0-0000-4000-8000-000000000002"
)

var (
	admin       = access.System
	tenantACall = access.CallerContext{UserID: "u-a", Role: access.RoleTenant, TenantID: tenantA}
	tenantBCall = access.CallerContext{UserID: "u-b", Role: access.RoleTenant, TenantID: tenantB}
	ownerCall   = access.CallerContext{UserID: "owner-1", Role: access.RoleOwner, OwnedPropertyIDs: []string{"prop-1"}}
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recordingDispatcher) Notify(_ context.Context, n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingDispatcher) types() []notification.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Type, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

type memoryClaimer struct {
	mu      sync.Mutex
	claims  map[string]bool
	lastTTL time.Duration
}

func (m *memoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTTL = ttl
	if m.claims == nil {
		m.claims = make(map[string]bool)
	}
	if m.claims[key] {
		return false, nil
	}
	m.claims[key] = true
	return true, nil
}

func (m *memoryClaimer) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

type harness struct {
	db        *gorm.DB
	store     *store.GormStore
	gw        *gatewaytest.MockGateway
	registry  *gateway.Registry
	notifier  *recordingDispatcher
	metrics   *monitoring.Metrics
	payments  *services.PaymentService
	recurring *services.RecurringService
	reconcile *services.ReconciliationService
	reports   *services.ReportService
	claimer   *memoryClaimer
}

// newHarness wires the services over sqlite with tenantA on prop-1 (owner-1)
// and tenantB on prop-2 (owner-2). withGateway registers a mock gateway.
func newHarness(t *testing.T, withGateway bool) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedProperty(t, db, "prop-1", "owner-1")
	testutil.SeedProperty(t, db, "prop-2", "owner-2")
	testutil.SeedTenant(t, db, tenantA, "prop-1", "2500")
	testutil.SeedTenant(t, db, tenantB, "prop-2", "1800")

	h := &harness{
		db:       db,
		store:    store.NewGormStore(db),
		registry: gateway.NewRegistry(),
		notifier: &recordingDispatcher{},
		metrics:  monitoring.NewMetrics(),
		claimer:  &memoryClaimer{},
	}
	if withGateway {
		h.gw = &gatewaytest.MockGateway{Name: "mock"}
		h.registry.Register(h.gw)
	}
	dir := directory.NewGormDirectory(db)
	logger := zap.NewNop()
	h.payments = services.NewPaymentService(h.store, dir, h.registry, h.notifier, h.metrics, logger)
	h.recurring = services.NewRecurringService(h.store, dir, h.notifier, logger)
	h.reconcile = services.NewReconciliationService(h.payments, h.store, h.claimer, time.Hour, logger)
	h.reports = services.NewReportService(h.store, dir, logger)
	return h
}

// seed stores a payment directly, bypassing the lifecycle.
func (h *harness) seed(t *testing.T, tenantID, amount string, method models.PaymentMethod, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		TenantID:       tenantID,
		Amount:         decimal.RequireFromString(amount),
		Date:           time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		Method:         method,
		Status:         status,
		IdempotencyKey: uuid.NewString(),
	}
	require.NoError(t, h.store.Create(context.Background(), p))
	return p
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Payment {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }
