package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()

	DeliveryResults.WithLabelValues("PAYMENT_FINALIZED", "Delivered").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(DeliveryResults.WithLabelValues("PAYMENT_FINALIZED", "Delivered")))

	families, err := Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["paynotify_delivery_results_total"])
	assert.True(t, names["go_goroutines"])
}
