package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arroyodb/arroyo/internal/catalog"
	"github.com/arroyodb/arroyo/internal/ingest"
	"github.com/arroyodb/arroyo/internal/store"
)

func newTestHandlers(t *testing.T) (*WriteHandler, *StatsHandler) {
	t.Helper()
	c := catalog.New(catalog.DefaultLimits())
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "buckets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetOnDelete(c.Clear)

	w := ingest.NewWriter(c, s, ingest.WriterConfig{
		Options: catalog.Options{TimeField: "time", MetaField: "tags"},
	})
	return NewWriteHandler(w), NewStatsHandler(c)
}

func TestWriteHandlerHappyPath(t *testing.T) {
	writeHandler, statsHandler := newTestHandlers(t)
	mw := DefaultMiddleware()

	body := `{
		"namespace": "telemetry.cpu",
		"documents": [
			{"time": {"$date": "2024-07-01T12:00:00Z"}, "tags": "host-1", "val": 5},
			{"time": {"$date": "2024-07-01T12:00:01Z"}, "tags": "host-1", "val": 1}
		]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/write", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mw(writeHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp WriteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.MeasurementsCommitted)
	assert.Equal(t, 1, resp.Commits)
	assert.NotEmpty(t, resp.RequestID)

	statsReq := httptest.NewRequest(http.MethodGet, "/v1/stats?ns=telemetry.cpu", nil)
	statsRec := httptest.NewRecorder()
	mw(statsHandler).ServeHTTP(statsRec, statsReq)

	require.Equal(t, http.StatusOK, statsRec.Code)
	assert.Contains(t, statsRec.Body.String(), "numCommits")
	assert.Contains(t, statsRec.Body.String(), "bucketCatalog")
}

func TestWriteHandlerValidation(t *testing.T) {
	writeHandler, _ := newTestHandlers(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad namespace", `{"namespace": "nodot", "documents": [{}]}`},
		{"no documents", `{"namespace": "telemetry.cpu", "documents": []}`},
		{"missing time field", `{"namespace": "telemetry.cpu", "documents": [{"val": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/write", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			writeHandler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/write", nil)
	rec := httptest.NewRecorder()
	writeHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
