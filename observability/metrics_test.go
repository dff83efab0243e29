package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDSCMetricsObserveOperation(t *testing.T) {
	m := NewDSCMetrics(prometheus.NewRegistry())
	m.ObserveOperation("mint_dsc", "success", time.Millisecond)
	m.ObserveOperation("mint_dsc", "breaks_health_factor", time.Millisecond)
	m.ObserveOperation("mint_dsc", "paused", 0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("mint_dsc", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("mint_dsc", "breaks_health_factor")))
	require.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestDSCMetricsRecordLiquidation(t *testing.T) {
	m := NewDSCMetrics(nil)
	m.RecordLiquidation("weth", big.NewInt(100), big.NewInt(110))
	m.RecordCompensation("liquidate", "reverted")

	require.Equal(t, 1.0, testutil.ToFloat64(m.liquidations.WithLabelValues("WETH")))
	require.Equal(t, 110.0, testutil.ToFloat64(m.seized.WithLabelValues("WETH")))
	require.Equal(t, 100.0, testutil.ToFloat64(m.debtCovered.WithLabelValues("WETH")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("liquidate", "reverted")))
}

func TestDSCMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveOperation("deposit_collateral", "success", time.Second)
	m.RecordLiquidation("WETH", big.NewInt(1), big.NewInt(1))
	m.RecordCompensation("liquidate", "failed")
}

func TestDSCMetricsAccessorSharesRegistration(t *testing.T) {
	first := DSCMetrics()
	require.NotNil(t, first)
	require.Same(t, first, DSCMetrics())
	first.ObserveOperation("burn_dsc", "success", 0)
	require.GreaterOrEqual(t, testutil.ToFloat64(first.operations.WithLabelValues("burn_dsc", "success")), 1.0)
}

func TestBigToFloat(t *testing.T) {
	require.Equal(t, 0.0, bigToFloat(nil))
	require.Equal(t, 1e18, bigToFloat(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
}
