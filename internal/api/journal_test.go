package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/camera"
	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/database"
	"github.com/Spatial-NVR/camerabridge/internal/events"
)

func newJournalServer(t *testing.T) (*httptest.Server, *events.Service) {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	journal := events.NewService(db)
	registry := camera.NewRegistry(camera.Settings{Ports: core.NewPortManager()}, nil, nil)
	srv := httptest.NewServer(NewRouter(Options{Registry: registry, DB: db, Journal: journal}))
	t.Cleanup(srv.Close)
	return srv, journal
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestListEvents(t *testing.T) {
	srv, journal := newJournalServer(t)
	ctx := context.Background()
	now := time.Now()
	for _, e := range []core.Event{
		{ID: "1", Subject: core.SubjectStreamStarted, CameraID: "cam1", Timestamp: now.Add(-time.Minute)},
		{ID: "2", Subject: core.SubjectStreamStopped, CameraID: "cam1", Timestamp: now},
		{ID: "3", Subject: core.SubjectCameraRegistered, CameraID: "cam2", Timestamp: now},
	} {
		if err := journal.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	var out struct {
		Data EventPage `json:"data"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/events?camera=cam1&subject=stream.%3E&limit=1", &out); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if out.Data.Total != 2 || len(out.Data.Events) != 1 || out.Data.Events[0].ID != "2" {
		t.Errorf("Unexpected page %+v", out.Data)
	}

	var bad Response
	if code := getJSON(t, srv.URL+"/api/v1/events?since=yesterday&limit=x", &bad); code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", code)
	}
	if bad.Error == nil || len(bad.Error.Details) != 2 {
		t.Errorf("Expected two validation errors, got %+v", bad.Error)
	}
}

func TestGetAndAcknowledgeEvent(t *testing.T) {
	srv, journal := newJournalServer(t)
	if err := journal.Record(context.Background(), core.Event{ID: "e1", Subject: core.SubjectSnapshotDegraded, CameraID: "cam1"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/events/e1/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("POST ack failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}

	var out struct {
		Data events.Record `json:"data"`
	}
	if code := getJSON(t, srv.URL+"/api/v1/events/e1", &out); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !out.Data.Acknowledged {
		t.Error("Expected acknowledged event")
	}

	var missing Response
	if code := getJSON(t, srv.URL+"/api/v1/events/nope", &missing); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	if missing.Error == nil || missing.Error.Code != "EVENT_NOT_FOUND" {
		t.Errorf("Unexpected error %+v", missing.Error)
	}

	var stats struct {
		Data events.Stats `json:"data"`
	}
	getJSON(t, srv.URL+"/api/v1/events/stats", &stats)
	if stats.Data.Total != 1 || stats.Data.Unacknowledged != 0 {
		t.Errorf("Unexpected stats %+v", stats.Data)
	}
}
