package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cyberlabs/labd/pkg/catalog"
	"github.com/cyberlabs/labd/pkg/errors"
	"github.com/cyberlabs/labd/pkg/lifecycle"
	"github.com/cyberlabs/labd/pkg/registry"
	"github.com/cyberlabs/labd/pkg/verifier"
)

const apiTestCatalog = `
labs:
  - id: sqli-basics
    title: SQL Injection Basics
    points: 100
    image: webgoat/webgoat
    internal_port: 8080
    flag: "flag{test}"
    time_budget: 1h
    active: true
`

func newTestHandler(t *testing.T) (*Handler, *registry.Registry) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "labs.yaml")
	if err := os.WriteFile(path, []byte(apiTestCatalog), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	cat, err := catalog.Load(path, time.Hour)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	provision := func(ctx context.Context, instanceID string, req *lifecycle.StartRequest) error {
		if err := reg.Transition(ctx, instanceID, registry.StateCreated, registry.StateStarting, registry.Fields{}); err != nil {
			return err
		}
		now := time.Now()
		return reg.Transition(ctx, instanceID, registry.StateStarting, registry.StateRunning, registry.Fields{
			ContainerID: "c.test",
			Endpoint:    "http://127.0.0.1:32768",
			StartedAt:   now,
			ExpiresAt:   now.Add(time.Hour),
			LastSeenAt:  now,
		})
	}

	mgr := lifecycle.NewManager(cat, reg, nil, provision, lifecycle.Timeouts{
		Create: time.Second,
		Stop:   time.Second,
	}, 3)

	return NewHandler(cat, reg, mgr, verifier.New(cat, reg), nil, HeaderResolver{}), reg
}

func doRequest(t *testing.T, h *Handler, method, target, body, userID string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	parts := strings.Split(strings.TrimPrefix(target, "/api/labs/"), "/")
	if len(parts) > 0 && parts[0] != "" && parts[0] != target {
		c.SetParamNames("labID")
		c.SetParamValues(parts[0])
	}

	var err error
	switch {
	case strings.HasSuffix(target, "/start"):
		err = h.StartLab(c)
	case strings.HasSuffix(target, "/stop"):
		err = h.StopLab(c)
	case strings.HasSuffix(target, "/verify"):
		err = h.VerifyFlag(c)
	case strings.HasSuffix(target, "/instance"):
		err = h.GetInstance(c)
	case target == "/api/labs":
		err = h.ListLabs(c)
	default:
		err = h.GetLab(c)
	}
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestStartLab_HappyPath(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/start", "", "alice")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var view instanceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.State != registry.StateRunning || view.Endpoint == "" {
		t.Errorf("unexpected instance view: %+v", view)
	}
}

func TestStartLab_Duplicate409(t *testing.T) {
	h, _ := newTestHandler(t)

	doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/start", "", "alice")
	rec := doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/start", "", "alice")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "already_active" {
		t.Errorf("expected code already_active, got %q", body.Code)
	}
}

func TestStartLab_UnknownLab404(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/labs/no-such-lab/start", "", "alice")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStartLab_MissingIdentity401(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/start", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestVerifyFlag_RoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)

	doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/start", "", "alice")

	rec := doRequest(t, h, http.MethodPost, "/api/labs/sqli-basics/verify", `{"flag":"flag{test}"}`, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp verifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	if !resp.Correct || resp.Points != 100 {
		t.Errorf("unexpected verdict: %+v", resp)
	}

	// The response must never echo the stored flag.
	if strings.Count(rec.Body.String(), "flag{") > 0 {
		t.Errorf("flag leaked into response: %s", rec.Body.String())
	}
}

func TestGetLab_IncludesProgressNotFlag(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/api/labs/sqli-basics", "", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "flag{") || strings.Contains(body, "webgoat") {
		t.Errorf("secret fields leaked: %s", body)
	}
	if !strings.Contains(body, "not_started") {
		t.Errorf("expected zero progress record in body: %s", body)
	}
}

func TestWriteError_Taxonomy(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errors.ErrNotFound, http.StatusNotFound, "not_found"},
		{errors.ErrAlreadyActive, http.StatusConflict, "already_active"},
		{errors.ErrStaleState, http.StatusConflict, "conflict"},
		{errors.ErrConflict, http.StatusConflict, "conflict"},
		{errors.ErrForbidden, http.StatusForbidden, "forbidden"},
		{errors.ErrRuntimeUnavailable, http.StatusServiceUnavailable, "runtime_unavailable"},
		{errors.ErrImagePull, http.StatusInternalServerError, "image_pull_failed"},
		{errors.ErrPortAllocation, http.StatusInternalServerError, "port_allocation_failed"},
	}

	e := echo.New()
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

		if err := writeError(c, tt.err, ""); err != nil {
			t.Fatalf("writeError failed: %v", err)
		}
		if rec.Code != tt.status {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.status, rec.Code)
		}
		var body errorBody
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Code != tt.code {
			t.Errorf("%v: expected code %q, got %q", tt.err, tt.code, body.Code)
		}
	}
}
