package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTick(t *testing.T) {
	before := testutil.ToFloat64(tickCounter.WithLabelValues("metric"))
	RecordTick("metric", 2*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(tickCounter.WithLabelValues("metric")))
}

func TestRecordConnectAttempt(t *testing.T) {
	okBefore := testutil.ToFloat64(connectAttempts.WithLabelValues("sweep", "ok"))
	errBefore := testutil.ToFloat64(connectAttempts.WithLabelValues("sweep", "error"))

	RecordConnectAttempt("sweep", nil)
	RecordConnectAttempt("sweep", errors.New("link lost"))
	RecordConnectAttempt("sweep", errors.New("link lost"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(connectAttempts.WithLabelValues("sweep", "ok")))
	assert.Equal(t, errBefore+2, testutil.ToFloat64(connectAttempts.WithLabelValues("sweep", "error")))
}

func TestSetConnectedSensors(t *testing.T) {
	SetConnectedSensors(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(connectedSensors))
	SetConnectedSensors(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(connectedSensors))
}
