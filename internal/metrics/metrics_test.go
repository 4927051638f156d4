package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewCollector_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTaskPlanned()
	c.RecordClaim(true)
	c.RecordClaim(false)
	c.RecordDelivery("delivered")
	c.RecordUpstreamCall("throttled")
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordStaleFallback()
	c.RecordDeliveryLatency(150 * time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"digestman_tasks_planned_total",
		"digestman_claims_total",
		"digestman_deliveries_total",
		"digestman_upstream_calls_total",
		"digestman_cache_hits_total",
		"digestman_cache_misses_total",
		"digestman_cache_stale_fallbacks_total",
		"digestman_delivery_latency_seconds",
	}
	for _, n := range want {
		if !names[n] {
			t.Errorf("メトリクス %s が登録されているべき", n)
		}
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("同一レジストリへの二重登録はpanicすべき")
		}
	}()
	NewCollector(reg)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordCacheHit()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "digestman_cache_hits_total") {
		t.Error("応答にdigestman_cache_hits_totalが含まれるべき")
	}
}

func TestNop_ImplementsInterface(t *testing.T) {
	var c MetricsCollector = Nop{}
	// 呼び出してもpanicしないこと
	c.RecordTaskPlanned()
	c.RecordDeliveryLatency(time.Second)
}
