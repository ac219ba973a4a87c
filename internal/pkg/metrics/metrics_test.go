package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "gpt_4o_mini", sanitizeLabel("gpt 4o mini"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", 100)), maxLabelLen)
}

func TestBillingMetrics_Counters(t *testing.T) {
	m := newBillingMetrics(prometheus.NewRegistry())

	m.RecordLedgerOp("debit", "ok")
	m.RecordLedgerOp("debit", "ok")
	m.RecordPartialDebit("usage")
	m.RecordQuotaDecision(false, "balance_depleted")
	m.RecordUsageTokens("text", "gpt-4o", 120)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerOps.WithLabelValues("debit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.partialDebits.WithLabelValues("usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecision.WithLabelValues("false", "balance_depleted")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.usageTokens.WithLabelValues("text", "gpt-4o")))
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
