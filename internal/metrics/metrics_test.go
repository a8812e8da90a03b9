package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEvent(t *testing.T) {
	before := testutil.ToFloat64(ledgerEvents.WithLabelValues("CASHBACK"))
	RecordEvent("CASHBACK")
	assert.Equal(t, before+1, testutil.ToFloat64(ledgerEvents.WithLabelValues("CASHBACK")))
}

func TestGauges(t *testing.T) {
	SetDivergences(2)
	SetReserveGap(-500)

	assert.Equal(t, float64(2), testutil.ToFloat64(balanceDivergences))
	assert.Equal(t, float64(-500), testutil.ToFloat64(reserveGap))
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTP(http.MethodGet, "/api/user/balance", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bonus_ledger_http_requests_total"))
}
