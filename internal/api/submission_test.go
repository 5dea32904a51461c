package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lumyxel/dataforge/internal/model"
)

func postSubmission(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateSubmission(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions",
		`{"items":["a","b","bad","c"],"project_root":"/src","auto_modify":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := decodeBody[submissionResponse](t, resp)
	want := []string{"a.out", "b.out", "c.out"}
	if !reflect.DeepEqual(got.Outputs, want) {
		t.Errorf("outputs = %v, want %v", got.Outputs, want)
	}
	if got.Status != model.SubmissionCompleted {
		t.Errorf("status = %q, want %q", got.Status, model.SubmissionCompleted)
	}
	if got.ItemCount != 4 {
		t.Errorf("item_count = %d, want 4", got.ItemCount)
	}
	if got.BatchCount != 2 {
		t.Errorf("batch_count = %d, want 2", got.BatchCount)
	}
	if got.OutputCount != 3 {
		t.Errorf("output_count = %d, want 3", got.OutputCount)
	}
	if got.ProjectRoot != "/src" || !got.AutoModify {
		t.Errorf("options = (%q, %v), want (/src, true)", got.ProjectRoot, got.AutoModify)
	}
	if got.DurationMS == nil || got.FinishedAt == nil {
		t.Error("finished record missing duration_ms or finished_at")
	}

	stored, err := srv.store.GetSubmission(t.Context(), got.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if stored.Status != model.SubmissionCompleted {
		t.Errorf("stored status = %q, want %q", stored.Status, model.SubmissionCompleted)
	}
}

func TestCreateSubmissionEmptyItems(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions", `{"items":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[[]string](t, resp)
	if got == nil || len(got) != 0 {
		t.Errorf("body = %#v, want []", got)
	}

	_, total, err := srv.store.ListSubmissions(t.Context(), 10, 0)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if total != 0 {
		t.Errorf("stored %d submissions for an empty request, want 0", total)
	}
}

func TestCreateSubmissionInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions", `{"items":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateSubmissionPoolNotInitialized(t *testing.T) {
	srv := newTestServerWith(t, serverOptions{skipInitialize: true})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, body := range []string{`{"items":[]}`, `{"items":["a"]}`} {
		resp := postSubmission(t, ts.URL+"/v1/submissions", body)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("POST %s status = %d, want 409", body, resp.StatusCode)
		}
	}

	resp := postSubmission(t, ts.URL+"/v1/submissions/async", `{"items":["a"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("async status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateSubmissionPoolShutDown(t *testing.T) {
	srv := newTestServer(t)
	srv.pool.Shutdown()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions", `{"items":["a"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateSubmissionFailureRecorded(t *testing.T) {
	srv := newTestServerWith(t, serverOptions{batchTimeout: 100 * time.Millisecond})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions", `{"items":["hang"]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	got := decodeBody[submissionResponse](t, resp)
	if got.Status != model.SubmissionFailed {
		t.Errorf("status = %q, want %q", got.Status, model.SubmissionFailed)
	}
	if !strings.Contains(got.Error, "timed out") && !strings.Contains(got.Error, "timeout") {
		t.Errorf("error = %q, want a timeout", got.Error)
	}
	if len(got.Outputs) != 0 {
		t.Errorf("outputs = %v, want none", got.Outputs)
	}
}

func TestAsyncSubmission(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions/async", `{"items":["a","b","c"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	accepted := decodeBody[model.Submission](t, resp)
	if accepted.Status != model.SubmissionRunning {
		t.Errorf("accepted status = %q, want %q", accepted.Status, model.SubmissionRunning)
	}

	srv.Wait()

	getResp, err := http.Get(ts.URL + "/v1/submissions/" + accepted.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", getResp.StatusCode)
	}

	got := decodeBody[model.Submission](t, getResp)
	if got.Status != model.SubmissionCompleted {
		t.Errorf("status = %q, want %q", got.Status, model.SubmissionCompleted)
	}
	if got.OutputCount != 3 {
		t.Errorf("output_count = %d, want 3", got.OutputCount)
	}
}

func TestAsyncSubmissionRequiresItems(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postSubmission(t, ts.URL+"/v1/submissions/async", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/submissions/" + model.NewID())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListSubmissions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 3 {
		resp := postSubmission(t, ts.URL+"/v1/submissions", fmt.Sprintf(`{"items":["f%d"]}`, i))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	tests := []struct {
		query     string
		wantLen   int
		wantLimit int
	}{
		{"", 3, defaultListLimit},
		{"?limit=2", 2, 2},
		{"?limit=2&offset=2", 1, 2},
		{"?limit=500", 3, defaultListLimit},
		{"?offset=-1", 3, defaultListLimit},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/v1/submissions" + tt.query)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.query, err)
		}
		got := decodeBody[listSubmissionsResponse](t, resp)
		resp.Body.Close()

		if len(got.Submissions) != tt.wantLen {
			t.Errorf("%q: got %d submissions, want %d", tt.query, len(got.Submissions), tt.wantLen)
		}
		if got.Total != 3 {
			t.Errorf("%q: total = %d, want 3", tt.query, got.Total)
		}
		if got.Limit != tt.wantLimit {
			t.Errorf("%q: limit = %d, want %d", tt.query, got.Limit, tt.wantLimit)
		}
	}
}

func TestListSubmissionsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/submissions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	got := decodeBody[map[string]json.RawMessage](t, resp)
	if string(got["submissions"]) != "[]" {
		t.Errorf("submissions = %s, want []", got["submissions"])
	}
}
