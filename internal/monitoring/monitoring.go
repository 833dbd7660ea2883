package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Component health states
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HealthStatus represents the overall health of the system
type HealthStatus struct {
	Status     string                     `json:"status"`
	StartedAt  time.Time                  `json:"started_at"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
	LastCheck  time.Time                  `json:"last_check"`
}

// ComponentStatus represents the status of a system component
type ComponentStatus struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	LastCheck time.Time              `json:"last_check"`
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type namedCheck struct {
	name     string
	check    Check
	critical bool
}

// MonitoringService provides health and metrics endpoints
type MonitoringService struct {
	metrics   *Metrics
	logger    *zap.Logger
	checks    []namedCheck
	startedAt time.Time

	mu         sync.RWMutex
	components map[string]ComponentStatus
	lastCheck  time.Time
}

func NewMonitoringService(metrics *Metrics, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
		components: make(map[string]ComponentStatus),
	}
}

// AddCheck registers a dependency probe. A failing critical check makes the
// service critical; any other failure degrades it.
func (m *MonitoringService) AddCheck(name string, critical bool, check Check) {
	m.checks = append(m.checks, namedCheck{name: name, check: check, critical: critical})
}

// UpdateComponentStatus updates the status of a specific component
func (m *MonitoringService) UpdateComponentStatus(component, status, message string, details map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[component] = ComponentStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		LastCheck: time.Now(),
	}
	m.lastCheck = time.Now()
}

// GetHealthStatus returns the current health status
func (m *MonitoringService) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := StatusHealthy
	components := make(map[string]ComponentStatus, len(m.components))
	for name, c := range m.components {
		components[name] = c
		if c.Status == StatusCritical {
			overall = StatusCritical
		} else if c.Status == StatusDegraded && overall == StatusHealthy {
			overall = StatusDegraded
		}
	}
	return HealthStatus{
		Status:     overall,
		StartedAt:  m.startedAt,
		Uptime:     time.Since(m.startedAt).Round(time.Second).String(),
		Components: components,
		LastCheck:  m.lastCheck,
	}
}

// RunChecks probes every dependency and scores webhook processing.
func (m *MonitoringService) RunChecks(ctx context.Context) {
	for _, c := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.check(checkCtx)
		cancel()

		switch {
		case err == nil:
			m.UpdateComponentStatus(c.name, StatusHealthy, "ok", nil)
		case c.critical:
			m.UpdateComponentStatus(c.name, StatusCritical, err.Error(), nil)
		default:
			m.UpdateComponentStatus(c.name, StatusDegraded, err.Error(), nil)
		}
	}

	snap := m.metrics.Snapshot()
	rate := snap.SuccessRate()
	status, message := StatusHealthy, "Webhook processing is healthy"
	if rate < 95.0 {
		status, message = StatusDegraded, fmt.Sprintf("Webhook success rate is low: %.2f%%", rate)
	}
	if rate < 80.0 {
		status, message = StatusCritical, fmt.Sprintf("Webhook success rate is critically low: %.2f%%", rate)
	}
	m.UpdateComponentStatus("webhook_processing", status, message, map[string]interface{}{
		"success_rate":          rate,
		"total_received":        snap.WebhooksReceived,
		"last_webhook_received": snap.LastWebhookReceived,
	})
}

// StartHealthMonitoring runs checks every interval until ctx is done.
func (m *MonitoringService) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	m.RunChecks(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunChecks(ctx)
			}
		}
	}()
}

// HandleHealthCheck handles the health check endpoint
func (m *MonitoringService) HandleHealthCheck(c *gin.Context) {
	health := m.GetHealthStatus()
	statusCode := http.StatusOK
	if health.Status == StatusCritical {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// HandleMetrics handles the metrics endpoint
func (m *MonitoringService) HandleMetrics(c *gin.Context) {
	snap := m.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"payment_metrics": snap,
		"success_rate":    snap.SuccessRate(),
		"health_status":   m.GetHealthStatus(),
		"timestamp":       time.Now().UTC(),
	})
}
