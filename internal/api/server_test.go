package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/extract"
	"github.com/kalambet/casepipe/internal/ratelimit"
)

func TestHealth(t *testing.T) {
	e := setupApp(t, withToken(testToken))

	rr := e.do(t, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without a token", rr.Code)
	}
	body := decode[struct {
		Status       string               `json:"status"`
		Provider     string               `json:"provider"`
		Capabilities []extract.Capability `json:"capabilities"`
	}](t, rr)
	if body.Status != "ok" || body.Provider != "stub" {
		t.Errorf("health = %+v", body)
	}

	available := map[string]bool{}
	for _, c := range body.Capabilities {
		available[c.Name] = c.Available
	}
	if !available["text"] || !available["pdf"] {
		t.Errorf("capabilities = %+v, want text and pdf available", body.Capabilities)
	}
	if available["ocr"] || available["speech"] {
		t.Errorf("capabilities = %+v, want ocr and speech unavailable without a media reader", body.Capabilities)
	}
}

func TestBearerAuth(t *testing.T) {
	e := setupApp(t, withToken(testToken))

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, authReq(http.MethodGet, "/cases", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth_QueryTokenOnlyForEvents(t *testing.T) {
	e := setupApp(t, withToken(testToken))

	rr := e.do(t, authReq(http.MethodGet, "/cases?access_token="+testToken, "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("list with query token: status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	// Passes auth and fails on the unknown case before the stream opens.
	missing := "00000000-0000-4000-8000-000000000000"
	rr = e.do(t, authReq(http.MethodGet, "/cases/"+missing+"/events?access_token="+testToken, "", ""))
	if rr.Code != http.StatusNotFound {
		t.Errorf("events with query token: status = %d, want 404", rr.Code)
	}
}

func TestRateLimit_Analyze(t *testing.T) {
	e := setupApp(t, withDeps(func(d *AppDeps) {
		d.Limiter = ratelimit.New(2, time.Minute)
	}))
	c := createCase(t, e)

	for i := 0; i < 2; i++ {
		rr := e.do(t, authReq(http.MethodPost, "/cases/"+c.ID+"/analyze", "", ""))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %s", i, rr.Code, rr.Body.String())
		}
	}
	rr := e.do(t, authReq(http.MethodPost, "/cases/"+c.ID+"/analyze", "", ""))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", rr.Code)
	}
	if got := decode[errorBody](t, rr).Error.Type; got != "rate_limit_error" {
		t.Errorf("error type = %q", got)
	}

	// Other routes are not throttled.
	rr = e.do(t, authReq(http.MethodGet, "/cases/"+c.ID, "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("get case: status = %d, want 200", rr.Code)
	}
}

func TestAudit_FiltersEntries(t *testing.T) {
	e := setupApp(t)
	c := createCase(t, e)
	e.do(t, authReq(http.MethodPost, "/cases/"+c.ID+"/transcripts", `{"content":"note"}`, ""))

	rr := e.do(t, authReq(http.MethodGet, "/audit?case_id="+c.ID+"&action=add_transcript", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	entries := decode[[]audit.Entry](t, rr)
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want one add_transcript entry", entries)
	}
	if entries[0].Status != audit.StatusSuccess || entries[0].CaseID != c.ID {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := setupApp(t)
	e.do(t, authReq(http.MethodGet, "/cases", "", ""))

	rr := e.do(t, authReq(http.MethodGet, "/metrics", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `casepipe_http_requests_total{method="GET",route="/cases",status="200"}`) {
		t.Errorf("metrics output missing request counter for /cases")
	}
}
