package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fieldkit/shopcollector/internal/collector"
	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/photo"
	"github.com/fieldkit/shopcollector/internal/storage"
	"github.com/fieldkit/shopcollector/internal/submit"
)

// --- helpers ---

type testEnv struct {
	app   *collector.App
	store *storage.Store
	hits  *atomic.Int32
}

func newTestEnv(t *testing.T, source location.Source, response string) testEnv {
	t.Helper()
	var hits atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, response)
	}))
	t.Cleanup(endpoint.Close)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker := location.NewTracker(source, time.Second)
	t.Cleanup(tracker.Stop)

	app := collector.New(tracker, photo.NewEncoder(0), submit.NewClient(endpoint.URL, endpoint.Client(), time.Second), store)
	return testEnv{app: app, store: store, hits: &hits}
}

func staticSource() location.Source {
	return location.StaticSource{Readings: []location.Reading{{Latitude: 1.5, Longitude: 2.5, AccuracyMeters: 9}}}
}

func writePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 3))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "shopfront.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), req mcp.CallToolRequest) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestMCPTool_RefreshLocationWaits(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	deps := MCPDeps{App: env.app}

	result := callTool(t, mcpRefreshLocation(deps), makeCallToolRequest("refresh_location", map[string]interface{}{
		"wait_seconds": 2.0,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); !strings.Contains(text, "1.500000, 2.500000") {
		t.Errorf("text = %q", text)
	}

	status := callTool(t, mcpLocationStatus(deps), makeCallToolRequest("location_status", nil))
	var st collector.Status
	if err := json.Unmarshal([]byte(toolText(t, status)), &st); err != nil {
		t.Fatalf("status is not JSON: %v", err)
	}
	if st.Location.State != "fixed" || st.Location.Fix == nil || st.Location.Fix.AccuracyMeters != 9 {
		t.Errorf("status = %+v", st.Location)
	}
}

func TestMCPTool_RefreshLocationFailure(t *testing.T) {
	env := newTestEnv(t, nil, `{"status":"SUCCESS"}`)
	result := callTool(t, mcpRefreshLocation(MCPDeps{App: env.app}), makeCallToolRequest("refresh_location", map[string]interface{}{
		"wait_seconds": 1.0,
	}))
	if !result.IsError {
		t.Fatal("expected error without a location source")
	}
	if text := toolText(t, result); !strings.Contains(text, "not supported") {
		t.Errorf("text = %q", text)
	}
}

func TestMCPTool_AttachPhoto(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	deps := MCPDeps{App: env.app}

	result := callTool(t, mcpAttachPhoto(deps), makeCallToolRequest("attach_photo", map[string]interface{}{
		"path": writePNG(t),
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if _, ok := env.app.State.Photo(); !ok {
		t.Error("photo not attached")
	}

	missing := callTool(t, mcpAttachPhoto(deps), makeCallToolRequest("attach_photo", map[string]interface{}{}))
	if !missing.IsError {
		t.Error("expected error for missing path")
	}
}

func TestMCPTool_SubmitShop(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	deps := MCPDeps{App: env.app, History: env.store}

	env.app.State.Tracker.Start(context.Background())
	if _, err := env.app.State.Tracker.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	callTool(t, mcpAttachPhoto(deps), makeCallToolRequest("attach_photo", map[string]interface{}{"path": writePNG(t)}))

	result := callTool(t, mcpSubmitShop(deps), makeCallToolRequest("submit_shop", map[string]interface{}{
		"shop_name":  "Corner Store",
		"remark":     "opens at 7",
		"popularity": 5.0,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Submitted") {
		t.Errorf("text = %q", toolText(t, result))
	}
	if n := env.hits.Load(); n != 1 {
		t.Errorf("endpoint hits = %d, want 1", n)
	}

	contents, err := mcpResourceSubmissions(deps)(context.Background(), makeReadResourceRequest("collector://submissions"))
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var rows []map[string]any
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		t.Fatalf("resource is not JSON: %v", err)
	}
	if len(rows) != 1 || rows[0]["outcome"] != "success" || rows[0]["shop_name"] != "Corner Store" {
		t.Errorf("rows = %v", rows)
	}
}

func TestMCPTool_SubmitShopWithoutPhoto(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	result := callTool(t, mcpSubmitShop(MCPDeps{App: env.app}), makeCallToolRequest("submit_shop", map[string]interface{}{
		"shop_name": "Corner Store",
	}))
	if !result.IsError {
		t.Fatal("expected error without a photo")
	}
	if toolText(t, result) != "Please attach a photo" {
		t.Errorf("text = %q", toolText(t, result))
	}
	if env.hits.Load() != 0 {
		t.Error("endpoint contacted for a local failure")
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	env := newTestEnv(t, staticSource(), `{"status":"SUCCESS"}`)
	if s := NewMCPServer(MCPDeps{App: env.app, History: env.store}); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
