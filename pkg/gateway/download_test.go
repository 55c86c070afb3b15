package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadReportFileSavesWithServerFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "eq.7" {
			t.Errorf("expected id=eq.7, got %q", got)
		}
		w.Header().Set("Content-Disposition", `attachment; filename="K_query_analysis.json"`)
		_, _ = w.Write([]byte(`{"checks":[]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := newTestClient(t, srv.URL, 5000)
	saved, err := c.DownloadReportFile(context.Background(), "tok", 7, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Filename != "K_query_analysis.json" {
		t.Fatalf("unexpected filename %q", saved.Filename)
	}
	data, err := os.ReadFile(saved.Path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != `{"checks":[]}` {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestDownloadReportFileAvoidsOverwrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.txt"`)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	existing := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(existing, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newTestClient(t, srv.URL, 5000)
	saved, err := c.DownloadReportFile(context.Background(), "tok", 7, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Path == existing {
		t.Fatal("expected a distinct path for the second download")
	}
	old, _ := os.ReadFile(existing)
	if string(old) != "old" {
		t.Fatal("existing file was overwritten")
	}
}

func TestDownloadReportFileNotFoundCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"file not found","details":"id 99 does not exist"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5000)
	_, err := c.DownloadReportFile(context.Background(), "tok", 99, t.TempDir())
	nf, ok := err.(*NotFoundError)
	if !ok {
		t.Fatalf("expected *NotFoundError, got %T (%v)", err, err)
	}
	if nf.Details != "id 99 does not exist" {
		t.Fatalf("unexpected details %q", nf.Details)
	}
}

func TestDownloadReportFileFallbackFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5000)
	saved, err := c.DownloadReportFile(context.Background(), "tok", 12, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Filename != "report_file_12" {
		t.Fatalf("unexpected fallback filename %q", saved.Filename)
	}
}
