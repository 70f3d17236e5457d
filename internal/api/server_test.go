package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketgrid/trading-engine/internal/api"
	"github.com/marketgrid/trading-engine/internal/broker"
	"github.com/marketgrid/trading-engine/internal/config"
	"github.com/marketgrid/trading-engine/internal/manager"
)

func testServer(t *testing.T, symbols []string) (*api.Server, *manager.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.SymbolsToTrade = symbols
	cfg.EngineDefaults.CycleIntervalSec = 0.01
	cfg.Feeder.ReconnectBaseSec = 0.01
	cfg.Feeder.ReconnectCapSec = 0.05
	cfg.Feeder.BootstrapBars = 30
	dir := t.TempDir()
	cfg.Paths.Registry = filepath.Join(dir, "registry.json")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Paths.ModelTabular = filepath.Join(dir, "missing.json")
	cfg.Paths.ModelSequence = filepath.Join(dir, "missing.json")

	sim := broker.NewSim(zap.NewNop(), broker.SimConfig{
		Symbols:      symbols,
		StartPrice:   100,
		TickInterval: 50 * time.Millisecond,
		Seed:         7,
	})
	mgr, err := manager.New(zap.NewNop(), cfg, sim)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	return api.NewServer(zap.NewNop(), cfg.Server, mgr), mgr
}

func do(t *testing.T, s *api.Server, method, path string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: response not JSON: %v", method, path, err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})
	rec, body := do(t, s, "GET", "/api/v1/health", "")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}

func TestEngineLifecycleOverHTTP(t *testing.T) {
	s, mgr := testServer(t, []string{"BTC/USDT"})
	defer mgr.StopAll(2 * time.Second)

	rec, body := do(t, s, "POST", "/api/v1/engines/start/BTC/USDT", "")
	if rec.Code != http.StatusOK || body["status"] != "started" {
		t.Fatalf("start = %d %v", rec.Code, body)
	}

	rec, body = do(t, s, "GET", "/api/v1/engines/BTC/USDT", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status_one = %d %v", rec.Code, body)
	}
	if body["symbol"] != "BTC/USDT" {
		t.Errorf("status_one symbol = %v", body["symbol"])
	}

	rec, body = do(t, s, "GET", "/api/v1/engines", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status_all = %d", rec.Code)
	}
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("status_all total = %v, want 1", body["total"])
	}

	rec, body = do(t, s, "POST", "/api/v1/engines/stop/BTC/USDT", "")
	if rec.Code != http.StatusOK || body["status"] != "stopped" {
		t.Errorf("stop = %d %v", rec.Code, body)
	}
}

func TestStatusOneUnknownSymbol(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})
	rec, _ := do(t, s, "GET", "/api/v1/engines/DOGE/USDT", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown symbol = %d, want 404", rec.Code)
	}
}

func TestStartUnknownSymbolRejected(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})
	rec, _ := do(t, s, "POST", "/api/v1/engines/start/DOGE/USDT", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("start unknown = %d, want 400", rec.Code)
	}
}

func TestKillSwitchRoundTrip(t *testing.T) {
	s, mgr := testServer(t, []string{"BTC/USDT"})

	rec, body := do(t, s, "POST", "/api/v1/killswitch/engage", `{"reason":"maintenance"}`)
	if rec.Code != http.StatusOK || body["kill_switch"] != true || body["reason"] != "maintenance" {
		t.Fatalf("engage = %d %v", rec.Code, body)
	}
	if engaged, reason := mgr.Executor().KillSwitch(); !engaged || reason != "maintenance" {
		t.Errorf("executor state = %v/%q", engaged, reason)
	}

	rec, body = do(t, s, "GET", "/api/v1/killswitch", "")
	if body["kill_switch"] != true {
		t.Errorf("killswitch status = %v", body)
	}

	rec, body = do(t, s, "POST", "/api/v1/killswitch/disengage", "")
	if rec.Code != http.StatusOK || body["kill_switch"] != false {
		t.Fatalf("disengage = %d %v", rec.Code, body)
	}
	if engaged, _ := mgr.Executor().KillSwitch(); engaged {
		t.Error("kill switch still engaged after disengage")
	}
}

func TestRiskEndpoints(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})

	rec, body := do(t, s, "GET", "/api/v1/risk", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("risk_summary = %d", rec.Code)
	}
	if _, ok := body["equityNow"]; !ok {
		t.Errorf("risk summary missing equityNow: %v", body)
	}

	rec, body = do(t, s, "POST", "/api/v1/risk/reset-day", "")
	if rec.Code != http.StatusOK || body["status"] != "day_reset" {
		t.Errorf("reset-day = %d %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "engine_") {
		t.Error("metrics output missing engine_* series")
	}
}

func TestGracefulStopWithoutStart(t *testing.T) {
	s, _ := testServer(t, []string{"BTC/USDT"})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}
