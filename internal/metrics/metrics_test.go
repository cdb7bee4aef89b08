package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveJob(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("build", "SUCCESS"))
	ObserveJob("build", "SUCCESS", time.Now().Add(-2*time.Second))
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("build", "SUCCESS")))
}

func TestCounters(t *testing.T) {
	NetworkFallbacks.Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(NetworkFallbacks), float64(1))

	RoutesRemoved.WithLabelValues("upstream container missing").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RoutesRemoved.WithLabelValues("upstream container missing")), float64(1))
}
