package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDeployMetricsCount(t *testing.T) {
	m := Deploy()
	require.Same(t, m, Deploy())

	m.RecordTx("deploy", nil)
	m.RecordTx("deploy", errors.New("reverted"))
	m.RecordTx("", nil)
	m.RecordStep("core", "deployed")
	m.RecordStep("core", "deployed")
	m.RecordDrift("reserveRatio")
	m.RecordRead()
	m.ObserveConfirmation(3 * time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("deploy", "confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("deploy", "rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("unknown", "confirmed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("core", "deployed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.drift.WithLabelValues("reserveRatio")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reads))
	require.Equal(t, 1, testutil.CollectAndCount(m.confirmation))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *DeployMetrics
	require.NotPanics(t, func() {
		m.RecordTx("send", nil)
		m.RecordStep("core", "skipped")
		m.RecordDrift("x")
		m.RecordRead()
		m.ObserveConfirmation(time.Second)
	})
}
