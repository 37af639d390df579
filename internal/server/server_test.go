package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doclift/doclift/constants"
	"github.com/doclift/doclift/internal/engine"
)

// fakeEngine scripts the lifecycle engine for ingress tests.
type fakeEngine struct {
	ingestID  string
	ingestErr error
	views     map[string]*engine.JobView
	viewErr   error
	texts     map[string]string
	lastName  string
	lastData  []byte
}

func (f *fakeEngine) Ingest(_ context.Context, data []byte, name string) (string, error) {
	f.lastData = data
	f.lastName = name
	if f.ingestErr != nil {
		return "", f.ingestErr
	}
	return f.ingestID, nil
}

func (f *fakeEngine) GetMetadata(_ context.Context, id string) (*engine.JobView, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	v, ok := f.views[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return v, nil
}

func (f *fakeEngine) GetText(_ context.Context, id string) (io.ReadCloser, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	text, ok := f.texts[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func testServer(t *testing.T, eng Engine) *httptest.Server {
	t.Helper()
	s := New(eng, Config{
		MaxUploadBytes: 1 << 20,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		WatchInterval:  10 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func uploadRequest(t *testing.T, url, field, filename string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	mw.Close()

	resp, err := http.Post(url+"/documents", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /documents: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func TestUpload_Succeeds(t *testing.T) {
	eng := &fakeEngine{ingestID: "id-123"}
	ts := testServer(t, eng)

	resp := uploadRequest(t, ts.URL, "pdf_file", "My Report.pdf", []byte("%PDF-1.7 content"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["_id"] != "id-123" {
		t.Fatalf("unexpected body %#v", body)
	}
	if eng.lastName != "My Report.pdf" {
		t.Fatalf("filename not forwarded: %q", eng.lastName)
	}
	if !constants.HasPDFSignature(eng.lastData) {
		t.Fatal("payload bytes not forwarded")
	}
}

func TestUpload_Validation(t *testing.T) {
	cases := []struct {
		name     string
		field    string
		filename string
		content  []byte
		want     int
	}{
		{"wrong form key", "file", "a.pdf", []byte("%PDF-1.4"), http.StatusUnprocessableEntity},
		{"empty file", "pdf_file", "a.pdf", nil, http.StatusBadRequest},
		{"wrong extension", "pdf_file", "a.txt", []byte("%PDF-1.4"), http.StatusUnsupportedMediaType},
		{"wrong signature", "pdf_file", "a.pdf", []byte("GIF89a not a pdf"), http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := testServer(t, &fakeEngine{ingestID: "x"})
			resp := uploadRequest(t, ts.URL, tc.field, tc.filename, tc.content)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	ts := testServer(t, &fakeEngine{ingestID: "x"})
	big := append([]byte("%PDF-1.4 "), bytes.Repeat([]byte("a"), 2<<20)...)
	resp := uploadRequest(t, ts.URL, "pdf_file", "big.pdf", big)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", resp.StatusCode)
	}
}

func TestUpload_RateLimited(t *testing.T) {
	s := New(&fakeEngine{ingestID: "x"}, Config{
		MaxUploadBytes: 1 << 20,
		RateLimitRPS:   1,
		RateLimitBurst: 1,
	}, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	first := uploadRequest(t, ts.URL, "pdf_file", "a.pdf", []byte("%PDF-1.4"))
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first upload: %d", first.StatusCode)
	}
	second := uploadRequest(t, ts.URL, "pdf_file", "a.pdf", []byte("%PDF-1.4"))
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second upload: %d, want 429", second.StatusCode)
	}
}

func TestGetDocument(t *testing.T) {
	view := &engine.JobView{
		ID:        "id-1",
		Name:      "a.pdf",
		TaskState: constants.TaskStatePending,
		CreatedAt: time.Now().UTC(),
	}
	ts := testServer(t, &fakeEngine{views: map[string]*engine.JobView{"id-1": view}})

	resp, err := http.Get(ts.URL + "/documents/id-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got engine.JobView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if got.ID != "id-1" || got.TaskState != constants.TaskStatePending {
		t.Fatalf("unexpected view %#v", got)
	}

	notFound, err := http.Get(ts.URL + "/documents/unknown")
	if err != nil {
		t.Fatalf("GET unknown: %v", err)
	}
	notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", notFound.StatusCode)
	}
}

func TestGetDocument_TransientFailureIsRetryable(t *testing.T) {
	ts := testServer(t, &fakeEngine{viewErr: engine.ErrTaskLookup})
	resp, err := http.Get(ts.URL + "/documents/id-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestGetText(t *testing.T) {
	ts := testServer(t, &fakeEngine{texts: map[string]string{"id-1": "extracted body"}})

	resp, err := http.Get(ts.URL + "/text/id-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if string(body) != "extracted body" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}

	missing, err := http.Get(ts.URL + "/text/unknown")
	if err != nil {
		t.Fatalf("GET unknown: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", missing.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := testServer(t, &fakeEngine{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
