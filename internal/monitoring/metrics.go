package monitoring

import (
	"sync"
	"time"
)

// Metrics counts webhook deliveries and lifecycle transitions
type Metrics struct {
	mu sync.RWMutex

	webhooksReceived  int64
	webhooksProcessed int64
	webhooksRejected  int64
	webhooksFailed    int64
	webhooksReplayed  int64
	totalProcessing   time.Duration
	lastWebhook       time.Time
	byProvider        map[string]int64

	transitions      map[string]int64
	unmatched        int64
	amountMismatches int64
	gatewayErrors    int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		byProvider:  make(map[string]int64),
		transitions: make(map[string]int64),
	}
}

// Webhook outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeReplayed  = "replayed"
)

func (m *Metrics) RecordWebhook(provider, outcome string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.webhooksReceived++
	m.byProvider[provider]++
	m.totalProcessing += took
	m.lastWebhook = time.Now()
	switch outcome {
	case OutcomeProcessed:
		m.webhooksProcessed++
	case OutcomeRejected:
		m.webhooksRejected++
	case OutcomeFailed:
		m.webhooksFailed++
	case OutcomeReplayed:
		m.webhooksReplayed++
	}
}

func (m *Metrics) RecordTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[from+"->"+to]++
}

func (m *Metrics) RecordUnmatched() {
	m.mu.Lock()
	m.unmatched++
	m.mu.Unlock()
}

func (m *Metrics) RecordAmountMismatch() {
	m.mu.Lock()
	m.amountMismatches++
	m.mu.Unlock()
}

func (m *Metrics) RecordGatewayError() {
	m.mu.Lock()
	m.gatewayErrors++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	WebhooksReceived    int64            `json:"webhooks_received"`
	WebhooksProcessed   int64            `json:"webhooks_processed"`
	WebhooksRejected    int64            `json:"webhooks_rejected"`
	WebhooksFailed      int64            `json:"webhooks_failed"`
	WebhooksReplayed    int64            `json:"webhooks_replayed"`
	AverageProcessingMS int64            `json:"average_processing_time_ms"`
	LastWebhookReceived time.Time        `json:"last_webhook_received"`
	WebhooksByProvider  map[string]int64 `json:"webhooks_by_provider"`
	Transitions         map[string]int64 `json:"transitions"`
	UnmatchedSettlement int64            `json:"unmatched_settlements"`
	AmountMismatches    int64            `json:"amount_mismatches"`
	GatewayErrors       int64            `json:"gateway_errors"`
}

// SuccessRate is the share of accepted webhooks that processed cleanly, in percent.
func (s Snapshot) SuccessRate() float64 {
	handled := s.WebhooksProcessed + s.WebhooksFailed
	if handled == 0 {
		return 100.0
	}
	return float64(s.WebhooksProcessed) / float64(handled) * 100.0
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		WebhooksReceived:    m.webhooksReceived,
		WebhooksProcessed:   m.webhooksProcessed,
		WebhooksRejected:    m.webhooksRejected,
		WebhooksFailed:      m.webhooksFailed,
		WebhooksReplayed:    m.webhooksReplayed,
		LastWebhookReceived: m.lastWebhook,
		WebhooksByProvider:  make(map[string]int64, len(m.byProvider)),
		Transitions:         make(map[string]int64, len(m.transitions)),
		UnmatchedSettlement: m.unmatched,
		AmountMismatches:    m.amountMismatches,
		GatewayErrors:       m.gatewayErrors,
	}
	if m.webhooksReceived > 0 {
		s.AverageProcessingMS = (m.totalProcessing / time.Duration(m.webhooksReceived)).Milliseconds()
	}
	for k, v := range m.byProvider {
		s.WebhooksByProvider[k] = v
	}
	for k, v := range m.transitions {
		s.Transitions[k] = v
	}
	return s
}
