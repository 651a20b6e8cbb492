package monitoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/23skdu/longbow-guidance/internal/guidance"
	"github.com/23skdu/longbow-guidance/internal/schedule"
	"github.com/23skdu/longbow-guidance/internal/tensor"
)

var _ guidance.ErrorObserver = (*HealthMonitor)(nil)

type veModel struct{}

func (veModel) Regime() guidance.Regime { return guidance.RegimeVE }

func TestObserveTracksSteps(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.Observe("cfgpp", &guidance.Result{Sigma: []float64{0.8}, Phi: []float64{28}})
	hm.Observe("powerlaw", &guidance.Result{Sigma: []float64{0.5, 0.5}, Phi: []float64{7, 3}})

	st := hm.Status()
	if st.Status != "healthy" {
		t.Errorf("expected healthy, got %s", st.Status)
	}
	g := st.Guidance
	if g.Steps != 2 || g.StepsByName["cfgpp"] != 1 || g.StepsByName["powerlaw"] != 1 {
		t.Errorf("unexpected step counts %+v", g)
	}
	if g.MinPhi != 3 || g.MaxPhi != 28 {
		t.Errorf("min/max phi = %v/%v, want 3/28", g.MinPhi, g.MaxPhi)
	}
	if len(g.LastPhi) != 2 || g.LastPhi[0] != 7 {
		t.Errorf("unexpected last phi %v", g.LastPhi)
	}
}

func TestObserveAlerts(t *testing.T) {
	hm := NewHealthMonitor("test")
	hm.SetMaxEffectiveCFG(10)
	hm.Observe("cfgpp", &guidance.Result{Phi: []float64{28}})
	if st := hm.Status(); st.Status != "healthy" || len(st.Alerts) != 1 || st.Alerts[0].Level != "warning" {
		t.Errorf("expected one warning, got %s %+v", st.Status, st.Alerts)
	}

	hm.Observe("powerlaw", &guidance.Result{Phi: []float64{math.NaN(), 2}})
	st := hm.Status()
	if st.Status != "degraded" {
		t.Errorf("expected degraded after non-finite phi, got %s", st.Status)
	}
	if st.Guidance.NonFinite != 1 {
		t.Errorf("expected 1 non-finite value, got %d", st.Guidance.NonFinite)
	}
	if _, err := json.Marshal(st); err != nil {
		t.Errorf("status must stay JSON encodable: %v", err)
	}

	if !hm.ResolveAlert(st.Alerts[1].ID) {
		t.Fatal("alert not found")
	}
	if st := hm.Status(); st.Status != "healthy" {
		t.Errorf("expected healthy after resolving, got %s", st.Status)
	}
	if hm.ResolveAlert(999) {
		t.Error("unknown alert id resolved")
	}
}

func TestAlertIDsSurviveEviction(t *testing.T) {
	hm := NewHealthMonitor("test")
	first := hm.AddAlert("info", "system", "first")
	var last uint64
	for i := 0; i < 100; i++ {
		last = hm.AddAlert("critical", "system", fmt.Sprintf("alert %d", i))
	}
	if hm.ResolveAlert(first) {
		t.Error("evicted alert must not resolve")
	}
	if !hm.ResolveAlert(last) {
		t.Fatal("latest alert not found")
	}
	alerts := hm.Status().Alerts
	if len(alerts) != 100 {
		t.Fatalf("retained %d alerts, want 100", len(alerts))
	}
	for _, a := range alerts {
		if a.Resolved != (a.ID == last) {
			t.Errorf("alert %d resolved = %v", a.ID, a.Resolved)
		}
	}
}

func TestObserveErrorFromCallback(t *testing.T) {
	hm := NewHealthMonitor("test")
	fn := guidance.NewFunc(guidance.CFGPP{}, veModel{}, guidance.CallbackOptions{Observer: hm})
	args := guidance.Args{
		Cond:      tensor.MustFromSlice([]float32{1, 2}, 1, 2),
		Uncond:    tensor.MustFromSlice([]float32{0, 0}, 1, 2),
		CondScale: 2,
		Input:     tensor.MustFromSlice([]float32{0, 0}, 1, 2),
		Sigma:     tensor.Scalar(5),
		ModelOptions: guidance.ModelOptions{TransformerOptions: guidance.TransformerOptions{
			SampleSigmas: schedule.Schedule{1, 0.5, 0},
		}},
	}
	if _, err := fn(args); !errors.Is(err, schedule.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	st := hm.Status()
	if st.Guidance.Errors != 1 || st.Guidance.ErrorRate != 1 || st.Status != "degraded" {
		t.Errorf("unexpected status %s %+v", st.Status, st.Guidance)
	}
}

func TestHealthHandlers(t *testing.T) {
	hm := NewHealthMonitor("test")
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}

	hm.AddAlert("critical", "system", "boom")
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if st.Status != "critical" || st.Version != "test" {
		t.Errorf("unexpected status %+v", st)
	}

	resp, err = http.Get(srv.URL + "/admin/alerts")
	if err != nil {
		t.Fatal(err)
	}
	var alerts []Alert
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	resp.Body.Close()
	if len(alerts) != 1 || alerts[0].Message != "boom" {
		t.Errorf("unexpected alerts %+v", alerts)
	}

	resp, err = http.Post(srv.URL+"/admin/alerts", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST alerts = %d, want 405", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/admin/alerts", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(hm.Status().Alerts) != 0 {
		t.Error("alerts not cleared")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d, want 200", resp.StatusCode)
	}
}
