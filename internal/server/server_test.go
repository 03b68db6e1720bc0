package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"cargonotes/internal"
	"cargonotes/internal/audit"
	"cargonotes/internal/audit/audittest"
	"cargonotes/internal/config"
	"cargonotes/internal/listener"
	"cargonotes/internal/storage"
)

type fakeSyncer struct{ calls int }

func (f *fakeSyncer) RunCycle(context.Context) (listener.CycleResult, error) {
	f.calls++
	return listener.CycleResult{Provider: "gmail", Fetched: 1, Processed: 1}, nil
}

type fakeAuditor struct{ files []internal.CarrierFile }

func (f *fakeAuditor) Run(_ context.Context, files []internal.CarrierFile) (audit.Report, error) {
	f.files = files
	return audit.Report{FoundCount: 1, MissingCount: 1, Total: 2, MissingCodes: []string{"B"}}, nil
}

func newTestServer(t *testing.T) (*Server, *storage.DB, *fakeSyncer, *fakeAuditor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	syncer := &fakeSyncer{}
	auditor := &fakeAuditor{}
	cfg := config.Config{CronSecret: "s3cret", PostalRate: 2.89, DensaRate: 0.39}
	return New(cfg, db, syncer, auditor, nil), db, syncer, auditor
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSyncEmailsRequiresKey(t *testing.T) {
	s, _, syncer, _ := newTestServer(t)

	for _, target := range []string{"/api/sync_emails", "/api/sync_emails?key=wrong"} {
		if w := serve(s, httptest.NewRequest(http.MethodGet, target, nil)); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: code=%d", target, w.Code)
		}
	}
	if syncer.calls != 0 {
		t.Fatal("sync ran without a valid key")
	}

	w := serve(s, httptest.NewRequest(http.MethodPost, "/api/sync_emails?key=s3cret", nil))
	if w.Code != http.StatusOK || syncer.calls != 1 {
		t.Fatalf("code=%d calls=%d body=%s", w.Code, syncer.calls, w.Body.String())
	}
	var body struct {
		Status string               `json:"status"`
		Result listener.CycleResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "success" || body.Result.Processed != 1 {
		t.Fatalf("body=%+v", body)
	}
}

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for k, blob := range files {
		fw, err := mw.CreateFormFile(k, k+".pdf")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(blob); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/audit_pdf", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAuditPDF(t *testing.T) {
	s, _, _, auditor := newTestServer(t)

	w := serve(s, multipartRequest(t, map[string]string{"month_postal": "2026-01"}, nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no file: code=%d", w.Code)
	}

	pdf := audittest.BuildPDF([]string{"Objeto A 0001"})
	w = serve(s, multipartRequest(t,
		map[string]string{"month_postal": "2026-01", "price_postal": "3,10", "month_densa": "2026-01"},
		map[string][]byte{"file_postal": pdf, "file_densa": pdf},
	))
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if len(auditor.files) != 2 {
		t.Fatalf("files=%+v", auditor.files)
	}
	postal, densa := auditor.files[0], auditor.files[1]
	if postal.Label != audit.CarrierPostal || postal.Rate != 3.1 || postal.Period != "2026-01" || postal.Text != "OBJETOA0001" {
		t.Fatalf("postal=%+v", postal)
	}
	if densa.Label != audit.CarrierDensa || densa.Rate != 0.39 {
		t.Fatalf("densa=%+v", densa)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "success" || body["found_count"] != float64(1) || body["missing_count"] != float64(1) {
		t.Fatalf("body=%v", body)
	}

	w = serve(s, multipartRequest(t, nil, map[string][]byte{"file_densa": []byte("not a pdf")}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad pdf: code=%d", w.Code)
	}
}

func TestGetNote(t *testing.T) {
	s, db, _, _ := newTestServer(t)
	note := &internal.DispatchNote{
		NoteID: "NN42", Status: internal.StatusReceived,
		EntryItems:        []internal.Item{{UnitID: "U0042", Weight: 4.2}},
		EntryMessageCount: 1,
	}
	if err := db.PutNote(context.Background(), note); err != nil {
		t.Fatal(err)
	}

	w := serve(s, httptest.NewRequest(http.MethodGet, "/api/notes/nn42", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	var got internal.DispatchNote
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.NoteID != "NN42" || len(got.EntryItems) != 1 || got.EntryItems[0].UnitID != "U0042" {
		t.Fatalf("got=%+v", got)
	}

	if w := serve(s, httptest.NewRequest(http.MethodGet, "/api/notes/NN404", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("missing: code=%d", w.Code)
	}

	w = serve(s, httptest.NewRequest(http.MethodGet, "/api/notes?status=received", nil))
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Fatalf("list=%s err=%v", w.Body.String(), err)
	}
}

func TestHealthzReportsLastCycle(t *testing.T) {
	s, db, _, _ := newTestServer(t)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte("last_sync")) {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	if err := db.SetMetadata(listener.LastCycleKey, `{"provider":"imap","processed":3}`); err != nil {
		t.Fatal(err)
	}
	w = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body struct {
		Status   string               `json:"status"`
		LastSync listener.CycleResult `json:"last_sync"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.LastSync.Provider != "imap" || body.LastSync.Processed != 3 {
		t.Fatalf("body=%s", w.Body.String())
	}
}
