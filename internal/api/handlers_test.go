package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fcsandbox/fcsandbox/internal/auth"
	"github.com/fcsandbox/fcsandbox/internal/sandbox"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// stubService is a canned sandbox.Service for handler tests.
type stubService struct {
	sb      *types.Sandbox
	execRes *types.ProcessResult
	files   map[string][]byte

	createErr error
	opErr     error
}

func (s *stubService) Create(ctx context.Context, cfg types.SandboxConfig) (*types.Sandbox, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.sb, nil
}

func (s *stubService) Get(ctx context.Context, id string) (*types.Sandbox, error) {
	if s.opErr != nil {
		return nil, s.opErr
	}
	return s.sb, nil
}

func (s *stubService) List(ctx context.Context) ([]types.Sandbox, error) {
	if s.sb == nil {
		return nil, nil
	}
	return []types.Sandbox{*s.sb}, nil
}

func (s *stubService) Destroy(ctx context.Context, id string) error { return s.opErr }
func (s *stubService) Pause(ctx context.Context, id string) error   { return s.opErr }
func (s *stubService) Resume(ctx context.Context, id string) error  { return s.opErr }

func (s *stubService) Exec(ctx context.Context, id string, cfg types.ProcessConfig) (*types.ProcessResult, error) {
	if s.opErr != nil {
		return nil, s.opErr
	}
	return s.execRes, nil
}

func (s *stubService) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	if s.opErr != nil {
		return nil, s.opErr
	}
	data, ok := s.files[path]
	if !ok {
		return nil, &sandbox.GuestError{Msg: "no such file"}
	}
	return data, nil
}

func (s *stubService) WriteFile(ctx context.Context, id string, req types.WriteFileRequest) error {
	if s.opErr != nil {
		return s.opErr
	}
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	s.files[req.Path] = []byte(req.Content)
	return nil
}

func (s *stubService) ListFiles(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	return []types.EntryInfo{{Name: "x", Size: 1}}, s.opErr
}

func (s *stubService) MakeDir(ctx context.Context, id, path string, parents bool) error {
	return s.opErr
}

func (s *stubService) Stat(ctx context.Context, id, path string) (*types.FileInfo, error) {
	if s.opErr != nil {
		return nil, s.opErr
	}
	return &types.FileInfo{Exists: true, Size: 3}, nil
}

func (s *stubService) Remove(ctx context.Context, id, path string, recursive bool) error {
	return s.opErr
}

func (s *stubService) Health() types.HealthResponse {
	return types.HealthResponse{Status: "ok", ActiveSandboxes: 1, MaxSandboxes: 10, MemoryUsedMB: 512, MemoryAvailableMB: 7680}
}

func newTestServer(stub *stubService, apiKey string, issuer *auth.JWTIssuer) *Server {
	return NewServer(stub, apiKey, issuer)
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoHeaderContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestCreateSandbox(t *testing.T) {
	stub := &stubService{sb: &types.Sandbox{ID: "ab12cd34", Status: types.SandboxStatusRunning, MemoryMiB: 512}}
	s := newTestServer(stub, "", auth.NewJWTIssuer("secret"))

	rec := doJSON(t, s, http.MethodPost, "/sandboxes", `{"template":"base","memory_mb":512,"vcpu_count":1}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sb types.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &sb); err != nil {
		t.Fatal(err)
	}
	if sb.ID != "ab12cd34" || sb.Status != types.SandboxStatusRunning {
		t.Errorf("unexpected body: %+v", sb)
	}
	if sb.Token == "" {
		t.Error("expected a sandbox-scoped token when a JWT issuer is configured")
	}
}

func TestCreateSandbox_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", sandbox.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("full: %w", sandbox.ErrAtCapacity), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		stub := &stubService{createErr: tc.err}
		s := newTestServer(stub, "", nil)
		rec := doJSON(t, s, http.MethodPost, "/sandboxes", `{}`)
		if rec.Code != tc.want {
			t.Errorf("error %v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestGetSandbox_NotFound(t *testing.T) {
	stub := &stubService{opErr: fmt.Errorf("%w: zzz", sandbox.ErrNotFound)}
	s := newTestServer(stub, "", nil)
	rec := doJSON(t, s, http.MethodGet, "/sandboxes/zzz", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDestroySandbox_Idempotent(t *testing.T) {
	s := newTestServer(&stubService{}, "", nil)
	rec := doJSON(t, s, http.MethodDelete, "/sandboxes/whatever", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy should return 200 even for unknown ids, got %d", rec.Code)
	}
}

func TestExec(t *testing.T) {
	stub := &stubService{execRes: &types.ProcessResult{ExitCode: 0, Stdout: "Linux\n", DurationMs: 12}}
	s := newTestServer(stub, "", nil)

	rec := doJSON(t, s, http.MethodPost, "/sandboxes/ab12cd34/exec", `{"command":"uname -s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res types.ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || res.Stdout != "Linux\n" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExec_RequiresCommand(t *testing.T) {
	s := newTestServer(&stubService{}, "", nil)
	rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/exec", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExec_WrongState(t *testing.T) {
	stub := &stubService{opErr: fmt.Errorf("%w: sandbox x is Paused", sandbox.ErrWrongState)}
	s := newTestServer(stub, "", nil)
	rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/exec", `{"command":"true"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestFileEndpoints(t *testing.T) {
	stub := &stubService{files: map[string][]byte{}}
	s := newTestServer(stub, "", nil)

	rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/files/write",
		`{"path":"/workspace/a.txt","content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("write: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/sandboxes/x/files/read?path=/workspace/a.txt", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status = %d", rec.Code)
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	data, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil || string(data) != "hello" {
		t.Errorf("read content %q (%v)", body.Content, err)
	}

	rec = doJSON(t, s, http.MethodGet, "/sandboxes/x/files/read", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("read without path: status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/sandboxes/x/files/list?path=/workspace", "")
	if rec.Code != http.StatusOK {
		t.Errorf("list: status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodDelete, "/sandboxes/x/files?path=/workspace/a.txt", "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete: status = %d", rec.Code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	s := newTestServer(&stubService{}, "", nil)
	if rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/pause", ""); rec.Code != http.StatusOK {
		t.Errorf("pause: status = %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/resume", ""); rec.Code != http.StatusOK {
		t.Errorf("resume: status = %d", rec.Code)
	}

	wrong := &stubService{opErr: fmt.Errorf("%w: already paused", sandbox.ErrWrongState)}
	s = newTestServer(wrong, "", nil)
	if rec := doJSON(t, s, http.MethodPost, "/sandboxes/x/pause", ""); rec.Code != http.StatusConflict {
		t.Errorf("second pause: status = %d, want 409", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&stubService{}, "with-key-but-health-is-open", nil)
	rec := doJSON(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h types.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.ActiveSandboxes != 1 || h.MemoryAvailableMB != 7680 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestAPIKeyGuardsSandboxRoutes(t *testing.T) {
	s := newTestServer(&stubService{sb: &types.Sandbox{ID: "x"}}, "sekrit", nil)

	rec := doJSON(t, s, http.MethodGet, "/sandboxes", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d", rec.Code)
	}
}
