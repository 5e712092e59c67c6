package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/voxelgrid/internal/model"
)

func TestCreateAndGetFunction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createFunction(t, ts.URL, "function render(x) { return x; }", nil)
	if created.ID == "" {
		t.Fatal("created function has no id")
	}
	if created.Status != model.FunctionActive {
		t.Errorf("status = %q, want %q", created.Status, model.FunctionActive)
	}

	var got model.Function
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/functions/"+created.ID, nil, &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got.ID != created.ID || got.Code != created.Code {
		t.Errorf("got %+v, want %+v", got, created)
	}
}

func TestCreateFunctionValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body any
	}{
		{"missing code", createFunctionRequest{Name: "x"}},
		{"unknown isolation", createFunctionRequest{Code: "function render() {}", Isolation: model.IsolationMicroVM}},
	}
	for _, tt := range tests {
		if status := doJSON(t, http.MethodPost, ts.URL+"/v1/functions", tt.body, nil); status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, status)
		}
	}

	resp, err := http.Post(ts.URL+"/v1/functions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetFunctionNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/functions/nonexistent", nil, nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestListFunctions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		createFunction(t, ts.URL, "function render(x) { return x; }", nil)
	}

	var resp listFunctionsResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/functions?limit=2", nil, &resp); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
	if len(resp.Functions) != 2 {
		t.Errorf("len(functions) = %d, want 2", len(resp.Functions))
	}
	if resp.Limit != 2 {
		t.Errorf("limit = %d, want 2", resp.Limit)
	}
}

func TestListFunctionsEmptyIsArray(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/functions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `"functions":[]`) {
		t.Errorf("body = %s, want empty functions array", body)
	}
}

func TestDisposeFunction(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := createFunction(t, ts.URL, "function render(x) { return x; }", nil)
	url := ts.URL + "/v1/functions/" + f.ID

	var disposed model.Function
	if status := doJSON(t, http.MethodDelete, url, nil, &disposed); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if disposed.Status != model.FunctionDisposed || disposed.DisposedAt == nil {
		t.Errorf("disposed = %+v, want disposed with disposed_at", disposed)
	}

	if status := doJSON(t, http.MethodDelete, url, nil, nil); status != http.StatusConflict {
		t.Errorf("second dispose: status = %d, want 409", status)
	}
	if status := doJSON(t, http.MethodPost, url+"/evaluate", evaluateRequest{}, nil); status != http.StatusGone {
		t.Errorf("evaluate after dispose: status = %d, want 410", status)
	}
	if status := doJSON(t, http.MethodDelete, ts.URL+"/v1/functions/nonexistent", nil, nil); status != http.StatusNotFound {
		t.Errorf("dispose unknown: status = %d, want 404", status)
	}
}

func TestEvaluate(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := createFunction(t, ts.URL, `function render(x, y, z) {
		if (x < 0) throw new Error("negative");
		return x === 0 ? undefined : x * 100 + y * 10 + z;
	}`, nil)
	url := ts.URL + "/v1/functions/" + f.ID + "/evaluate"

	var resp evaluateResponse
	if status := doJSON(t, http.MethodPost, url, evaluateRequest{X: 1, Y: 2, Z: 3}, &resp); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if resp.Value == nil || *resp.Value != 123 {
		t.Errorf("value = %v, want 123", resp.Value)
	}

	resp = evaluateResponse{}
	if status := doJSON(t, http.MethodPost, url, evaluateRequest{X: 0}, &resp); status != http.StatusOK {
		t.Fatalf("absent: status = %d, want 200", status)
	}
	if resp.Value != nil {
		t.Errorf("absent value = %v, want null", *resp.Value)
	}

	if status := doJSON(t, http.MethodPost, url, evaluateRequest{X: -1}, nil); status != http.StatusBadGateway {
		t.Errorf("throwing render: status = %d, want 502", status)
	}
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/functions/nonexistent/evaluate", evaluateRequest{}, nil); status != http.StatusNotFound {
		t.Errorf("unknown function: status = %d, want 404", status)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	timeout := 100
	f := createFunction(t, ts.URL, "function render() { return new Promise(() => {}); }", &timeout)

	url := fmt.Sprintf("%s/v1/functions/%s/evaluate", ts.URL, f.ID)
	if status := doJSON(t, http.MethodPost, url, evaluateRequest{}, nil); status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", status)
	}
}
