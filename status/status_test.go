package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/optix2000/sotdfix/fix"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log, _ := test.NewNullLogger()
	s := New("127.0.0.1:0", "v1.2.3", log)
	ts := httptest.NewServer(s.Server.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusDetached(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "v1.2.3" || body["session"] != nil {
		t.Errorf("body = %v", body)
	}

	resp, err = http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("metrics status = %d, want 503", resp.StatusCode)
	}
}

func TestStatusAttached(t *testing.T) {
	s, ts := newTestServer(t)
	metrics := fix.NewMetrics(2560, 1080)
	s.Attach(&Session{
		PID:     1234,
		Exe:     "SotD-Win64-Shipping.exe",
		Report:  &fix.Report{Results: []fix.Result{{Feature: "HUD", Outcome: fix.Failed, Reason: "HUD: not found"}}},
		Hooks:   []Hook{{Name: "FOV", Target: "0x140001000"}},
		Metrics: metrics,
	})

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Session struct {
			PID    uint32
			Report struct {
				Results []struct {
					Feature string
					Outcome string
				}
			}
			Hooks []Hook
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Session.PID != 1234 || len(body.Session.Hooks) != 1 {
		t.Errorf("session = %+v", body.Session)
	}
	if r := body.Session.Report.Results; len(r) != 1 || r[0].Outcome != "failed" {
		t.Errorf("results = %+v, want one failed", r)
	}

	resp, err = http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var d fix.Dimensions
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.ResX != 2560 || d.HUDWidthOffset != 320 {
		t.Errorf("metrics = %+v", d)
	}

	s.Detach()
	resp, err = http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("metrics after Detach = %d, want 503", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
