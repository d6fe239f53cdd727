package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("none", "RED", "unit_created"))
	Transition("", "RED", "unit_created")
	assert.Equal(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("none", "RED", "unit_created")))

	skipped := testutil.ToFloat64(sweeps.WithLabelValues("skipped"))
	Sweep("skipped", time.Second)
	assert.Equal(t, skipped+1, testutil.ToFloat64(sweeps.WithLabelValues("skipped")))

	sent := testutil.ToFloat64(notifications.WithLabelValues("sent"))
	Delivery("sent")
	assert.Equal(t, sent+1, testutil.ToFloat64(notifications.WithLabelValues("sent")))
}
