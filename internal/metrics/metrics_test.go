package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/discountfn/internal/core"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry)

	m.CacheLoadsTotal.Inc()
	fams, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, fams)
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	resolved := core.DefaultConfiguration()
	explicit := core.ResolveConfiguration([]byte(`{"percentage": 10}`))

	m.RecordEvaluation(core.Evaluation{Outcome: core.OutcomeApplied, Configuration: &explicit, EligibleLines: 3})
	m.RecordEvaluation(core.Evaluation{Outcome: core.OutcomeApplied, Configuration: &resolved, EligibleLines: 1})
	m.RecordEvaluation(core.Evaluation{Outcome: core.OutcomeNoEligibleLines, Configuration: &explicit})
	m.RecordEvaluation(core.Evaluation{Outcome: core.OutcomeEmptyCart})
	m.RecordEvaluation(core.Evaluation{Outcome: core.OutcomeClassAbsent})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("no_eligible_lines")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("empty_cart")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("class_absent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfigurationFallbacks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EligibleLines))

	fams, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() == "discountfn_eligible_lines" {
			hist := fam.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(3), hist.GetSampleCount())
			assert.Equal(t, float64(4), hist.GetSampleSum())
		}
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("shop-1", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.CacheSize.WithLabelValues("shop-1")))
}

func TestResetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("shop-1", 10)
	m.SetCacheSize("shop-2", 20)
	m.ResetCacheSize()

	assert.Equal(t, 0, testutil.CollectAndCount(m.CacheSize))
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New()

	m.ObserveHTTPRequest("POST", "POST /v1/run", 200, 5*time.Millisecond)
	m.ObserveHTTPRequest("POST", "POST /v1/run", 400, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "POST /v1/run", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "POST /v1/run", "400")))
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/discountfn.v1.DiscountFunction/Run"}

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	_, err = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad input")
	})
	require.Error(t, err)

	_, err = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, errors.New("plain")
	})
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Run", "OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Run", "InvalidArgument")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Run", "Unknown")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "discountfn_cache_loads_total")
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()
	m.IncCacheInvalidations()
	m.IncAuthFailures()
	m.IncAuthFailures()
	m.IncAuthFailures()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheLoadsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheInvalidations))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.AuthFailuresTotal))
}

func TestStreamServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/discountfn.v1.DiscountFunction/WatchDiscountEvents"}

	err := interceptor(nil, nil, info, func(any, grpc.ServerStream) error {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveStreams.WithLabelValues("grpc")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("WatchDiscountEvents", "OK")))
}

func TestTrackHTTPStream(t *testing.T) {
	m := New()

	done := m.TrackHTTPStream()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveStreams.WithLabelValues("http")))

	done()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveStreams.WithLabelValues("http")))
}
