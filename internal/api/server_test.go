package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func newTestEcho(opts Options) *echo.Echo {
	e := echo.New()
	NewServer(opts).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func TestEncodeRunLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/encode",
		`{"config":{"num_bins":4,"min":0,"max":100},"input":{"shape":[1,1,1,3],"data":[25,100,-5]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("encode status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[EncodeResponse](t, rec)
	if resp.ID == "" || resp.Output == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	want := []float32{1, 3, 0}
	for i, w := range want {
		if resp.Output.Data[i] != w {
			t.Fatalf("output = %v, want %v", resp.Output.Data, want)
		}
	}
	if resp.LabelCount != 4 || resp.NominalBinsPerChannel != 4 {
		t.Fatalf("label_count=%v nominal=%d", resp.LabelCount, resp.NominalBinsPerChannel)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/runs/"+resp.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", getRec.Code)
	}
	run := decode[Run](t, getRec)
	if run.Kind != "encode" || run.Outputs["output"][3] != 3 {
		t.Fatalf("unexpected run: %+v", run)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/runs/"+resp.ID, "")
	if delRec.Code != http.StatusOK || !decode[DeleteRunResponse](t, delRec).Deleted {
		t.Fatalf("delete: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/runs/"+resp.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/runs/"+resp.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d", rec.Code)
	}
}

func TestEncodeErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType string
	}{
		{"invalid json", `{"config":`, http.StatusBadRequest, "invalid_request_error"},
		{"inverted bounds", `{"config":{"num_bins":4,"min":1,"max":0},"input":{"shape":[1],"data":[0]}}`, http.StatusBadRequest, "invalid_request_error"},
		{"zero bins", `{"config":{"num_bins":0,"max":1},"input":{"shape":[1],"data":[0]}}`, http.StatusBadRequest, "invalid_request_error"},
		{"clustering", `{"config":{"num_bins":4,"method":"clustering","max":1},"input":{"shape":[1],"data":[0]}}`, http.StatusBadRequest, "not_implemented_error"},
		{"unknown space", `{"config":{"num_bins":4,"space":"cubic","max":1},"input":{"shape":[1],"data":[0]}}`, http.StatusBadRequest, "invalid_request_error"},
		{"data length", `{"config":{"num_bins":4,"max":1},"input":{"shape":[1,1,2,2],"data":[0,1]}}`, http.StatusUnprocessableEntity, "shape_error"},
		{"rank", `{"config":{"num_bins":4,"max":1},"input":{"shape":[1,1,1,1,1],"data":[0]}}`, http.StatusUnprocessableEntity, "shape_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/v1/encode", tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tc.wantCode, rec.Body.String())
			}
			if env := decode[errorEnvelope](t, rec); env.Error.Type != tc.wantType || env.Error.Message == "" {
				t.Fatalf("unexpected error body: %+v", env)
			}
		})
	}
}

func TestSampleInference(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodPost, "/v1/sample", `{
		"sampler": {"skip_stride": 1},
		"reference": {"shape": [1,1,2,2], "data": [10,11,12,13]},
		"features": [{"shape": [1,2,2,2], "data": [0,1,2,3,4,5,6,7]}]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sample status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[SampleResponse](t, rec)
	if len(resp.Counts) != 1 || resp.Counts[0] != 4 {
		t.Fatalf("counts = %v", resp.Counts)
	}
	if got := resp.Descriptors.Shape; got[0] != 4 || got[1] != 2 {
		t.Fatalf("descriptor shape = %v", got)
	}
	// Last lattice point is (1,1).
	if d := resp.Descriptors.Data[6:8]; d[0] != 3 || d[1] != 7 {
		t.Fatalf("descriptor row 3 = %v", d)
	}
	if l := resp.Labels.Data[3]; l != 13 {
		t.Fatalf("label row 3 = %v", l)
	}
	if c := resp.Coords.Data[9:12]; c[0] != 0 || c[1] != 1 || c[2] != 1 {
		t.Fatalf("coords row 3 = %v", c)
	}
}

func TestSampleErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"no features", `{"reference":{"shape":[1,1,2,2],"data":[0,0,0,0]},"features":[]}`, http.StatusBadRequest},
		{"batch mismatch", `{"reference":{"shape":[1,1,2,2],"data":[0,0,0,0]},"features":[{"shape":[2,1,1,1],"data":[0,0]}]}`, http.StatusBadRequest},
		{"training without count", `{"sampler":{"training":true},"reference":{"shape":[1,1,1,1],"data":[0]},"features":[{"shape":[1,1,1,1],"data":[0]}]}`, http.StatusBadRequest},
		{"source count", `{"sources":[{"name":"a"},{"name":"b"}],"reference":{"shape":[1,1,1,1],"data":[0]},"features":[{"shape":[1,1,1,1],"data":[0]}]}`, http.StatusBadRequest},
		{"bad reference", `{"reference":{"shape":[1,1,2,2],"data":[0]},"features":[{"shape":[1,1,1,1],"data":[0]}]}`, http.StatusUnprocessableEntity},
		{"sample count over limit", `{"sampler":{"training":true,"sample_count":1099511627776},"reference":{"shape":[1,1,1,1],"data":[1]},"features":[{"shape":[1,1,1,1],"data":[0]}]}`, http.StatusUnprocessableEntity},
		{"sample count overflows", `{"sampler":{"training":true,"sample_count":4611686018427387904},"reference":{"shape":[1,1,1,1],"data":[1]},"features":[{"shape":[1,1,1,1],"data":[0]}]}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if rec := doJSON(t, e, http.MethodPost, "/v1/sample", tc.body); rec.Code != tc.wantCode {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestOutputLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{MaxOutputElements: 10})
	tests := []struct {
		name string
		path string
		body string
	}{
		{
			name: "sample",
			path: "/v1/sample",
			body: `{"reference":{"shape":[1,1,2,2],"data":[1,2,3,4]},"features":[{"shape":[1,1,2,2],"data":[0,0,0,0]}]}`,
		},
		{
			name: "pipeline",
			path: "/v1/pipeline",
			body: `{"config":{"reference":"ref","sources":[{"name":"conv1"}]},
				"tensors":{"ref":{"shape":[1,1,2,2],"data":[1,2,3,4]},"conv1":{"shape":[1,1,2,2],"data":[0,0,0,0]}}}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status: got %d want 422 body=%s", rec.Code, rec.Body.String())
			}
			if env := decode[errorEnvelope](t, rec); env.Error.Type != "shape_error" {
				t.Fatalf("error type = %q", env.Error.Type)
			}
		})
	}

	// Same request fits once the limit allows 4 rows of 5 values.
	fits := newTestEcho(Options{MaxOutputElements: 20})
	if rec := doJSON(t, fits, http.MethodPost, "/v1/sample", tests[0].body); rec.Code != http.StatusOK {
		t.Fatalf("status at limit: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPipelineEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodPost, "/v1/pipeline", `{
		"config": {
			"reference": "normals",
			"encoder": {"num_bins": 2, "min": -1, "max": 1},
			"sources": [{"name": "conv1"}]
		},
		"tensors": {
			"normals": {"shape": [1,3,1,2], "data": [-1,1,-1,1,-1,1]},
			"conv1": {"shape": [1,1,1,2], "data": [5,6]}
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pipeline status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[PipelineResponse](t, rec)
	if resp.Classes == nil || len(resp.Classes.Data) != 2 || resp.Classes.Data[0] != 0 || resp.Classes.Data[1] != 7 {
		t.Fatalf("classes = %+v", resp.Classes)
	}
	run := decode[Run](t, doJSON(t, e, http.MethodGet, "/v1/runs/"+resp.ID, ""))
	if run.Kind != "pipeline" || run.LabelCount != 8 || run.Outputs["classes"][0] != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}

	missing := doJSON(t, e, http.MethodPost, "/v1/pipeline",
		`{"config":{"reference":"normals","sources":[{"name":"conv1"}]},"tensors":{"normals":{"shape":[1],"data":[0]}}}`)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("missing tensor: got %d body=%s", missing.Code, missing.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{Rate: 0.001, Burst: 1})
	body := `{"config":{"num_bins":2,"max":1},"input":{"shape":[1],"data":[0.5]}}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/encode", body); rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/encode", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if rec := doJSON(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not be throttled: got %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{MaxBodyBytes: 16})
	rec := doJSON(t, e, http.MethodPost, "/v1/encode",
		`{"config":{"num_bins":2,"max":1},"input":{"shape":[1],"data":[0.5]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
	h := decode[HealthResponse](t, rec)
	if h.Status != "ok" || h.Version == "" || h.Runs != 0 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestRunStoreEviction(t *testing.T) {
	t.Parallel()
	s := NewRunStore(2)
	a := s.Add(Run{Kind: "encode"})
	b := s.Add(Run{Kind: "encode"})
	c := s.Add(Run{Kind: "sample"})
	if _, ok := s.Get(a.ID); ok {
		t.Fatal("oldest run should be evicted")
	}
	for _, id := range []string{b.ID, c.ID} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("run %s missing", id)
		}
	}
	if !strings.HasPrefix(c.ID, "run_") || c.Object != "run" {
		t.Fatalf("unexpected id/object: %+v", c)
	}
	if !s.Delete(b.ID) || s.Len() != 1 {
		t.Fatalf("delete failed, len=%d", s.Len())
	}
}
