package obs

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                 "/",
		"/metrics":                         "/metrics",
		"/v1/registrations":                "/v1/registrations",
		"/v1/registrations/01HZX/approve":  "/v1/registrations/{id}/approve",
		"/v1/facilities/42/status":         "/v1/facilities/{id}/status",
		"/v1/consents/KW2024001234/revoke": "/v1/consents/{id}/revoke",
		"/v1/interop/events/3":             "/v1/interop/events/{id}",
		"/v1/interop/events?limit=10":      "/v1/interop/events",
		"/v1/audit-logs":                   "/v1/audit-logs",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), "CanonicalPath(%q)", input)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/v1/facilities/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/facilities/7", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t)
	assert.Contains(t, body, `http_requests_total{method="GET",path="/v1/facilities/{id}",status="418"}`)
	assert.NotContains(t, body, `path="/v1/facilities/7"`)
}

func TestObserveCacheCountsHitsAndMisses(t *testing.T) {
	Init()
	ObserveCache("obs-test", true)
	ObserveCache("obs-test", false)
	body := scrape(t)
	assert.Contains(t, body, `hkit_cache_lookups_total{kind="obs-test",result="hit"} 1`)
	assert.Contains(t, body, `hkit_cache_lookups_total{kind="obs-test",result="miss"} 1`)
}

func TestSetOutputRestores(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	Logger().Info().Str("k", "v").Msg("hello")
	restore()
	assert.Contains(t, buf.String(), `"message":"hello"`)
	assert.Contains(t, buf.String(), `"service":"hkit-api"`)
}
