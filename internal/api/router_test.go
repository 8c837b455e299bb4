package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/metrics"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	srv := httptest.NewServer(NewRouter(RouterDeps{App: env.app}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"status":"ok"}` {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
}

func TestStatusAndRefresh(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	srv := httptest.NewServer(NewRouter(RouterDeps{App: env.app}))
	defer srv.Close()

	var st struct {
		Location location.Status `json:"location"`
	}
	getJSON(t, srv.URL+"/status", &st)
	if st.Location.State != "idle" {
		t.Errorf("state before refresh = %q, want idle", st.Location.State)
	}

	resp, err := http.Post(srv.URL+"/api/location/refresh", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("refresh status = %d, want 202", resp.StatusCode)
	}

	// The watch keeps running after the refresh request has returned.
	if _, err := env.app.State.Tracker.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	getJSON(t, srv.URL+"/status", &st)
	if st.Location.State != "fixed" || st.Location.Fix == nil {
		t.Errorf("status after refresh = %+v", st.Location)
	}
}

func TestShellFallthroughAndErrors(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	shell := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "shell:%s", r.URL.Path)
	})
	srv := httptest.NewServer(NewRouter(RouterDeps{App: env.app, Shell: shell, Metrics: metrics.Handler()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/icons/pwa-icon-192.png")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "shell:/icons/pwa-icon-192.png" {
		t.Errorf("body = %q", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "shopcollector_submission_duration_ms") {
		t.Error("/metrics does not expose the submission histogram")
	}
}

func TestNotFoundWithoutShell(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	srv := httptest.NewServer(NewRouter(RouterDeps{App: env.app}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Type != "not_found" {
		t.Errorf("body = %+v, err = %v", body, err)
	}

	resp, err = http.Get(srv.URL + "/api/location/refresh")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET refresh status = %d, want 405", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding %s: %v", url, err)
	}
}
