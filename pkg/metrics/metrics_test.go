package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	// a second call must not panic on duplicate registration
	Register(reg)

	RelaysTotal.WithLabelValues("delivered").Inc()
	ActiveConnections.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["citynet_relays_total"])
	assert.True(t, names["citynet_active_connections"])
	assert.Equal(t, 3.0, testutil.ToFloat64(ActiveConnections))
}
