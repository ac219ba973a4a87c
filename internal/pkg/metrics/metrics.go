package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// BillingMetrics 账本与配额相关的 Prometheus 指标
type BillingMetrics struct {
	ledgerOps     *prometheus.CounterVec
	partialDebits *prometheus.CounterVec
	quotaDecision *prometheus.CounterVec
	usageTokens   *prometheus.CounterVec
	renewals      *prometheus.CounterVec
}

var (
	instance *BillingMetrics
	once     sync.Once
)

// Get 返回全局指标实例
func Get() *BillingMetrics {
	once.Do(func() {
		instance = newBillingMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

func newBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		partialDebits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "ledger",
				Name:      "partial_debits_total",
				Help:      "Debits clamped to the available balance, by reference type",
			},
			[]string{"reference_type"},
		),
		quotaDecision: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "quota",
				Name:      "decisions_total",
				Help:      "Quota gate decisions by result and reason",
			},
			[]string{"allowed", "reason"},
		),
		usageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "usage",
				Name:      "tokens_total",
				Help:      "Tokens charged by usage source and model",
			},
			[]string{"source", "model"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "billing",
				Subsystem: "subscription",
				Name:      "renewals_total",
				Help:      "Subscription period rollovers by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.ledgerOps, m.partialDebits, m.quotaDecision, m.usageTokens, m.renewals)
	return m
}

func (m *BillingMetrics) RecordLedgerOp(kind, outcome string) {
	m.ledgerOps.WithLabelValues(sanitizeLabel(kind), sanitizeLabel(outcome)).Inc()
}

func (m *BillingMetrics) RecordPartialDebit(referenceType string) {
	m.partialDebits.WithLabelValues(sanitizeLabel(referenceType)).Inc()
}

func (m *BillingMetrics) RecordQuotaDecision(allowed bool, reason string) {
	label := "false"
	if allowed {
		label = "true"
	}
	m.quotaDecision.WithLabelValues(label, sanitizeLabel(reason)).Inc()
}

func (m *BillingMetrics) RecordUsageTokens(source, model string, tokens int64) {
	m.usageTokens.WithLabelValues(sanitizeLabel(source), sanitizeLabel(model)).Add(float64(tokens))
}

func (m *BillingMetrics) RecordRenewal(outcome string) {
	m.renewals.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
