package http

import (
	"net/http"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arroyodb/arroyo/internal/catalog"
	"github.com/arroyodb/arroyo/pkg/types"
)

// StatsHandler handles GET /v1/stats requests: per-namespace execution
// counters plus the global bucket catalog snapshot.
type StatsHandler struct {
	catalog *catalog.BucketCatalog
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(c *catalog.BucketCatalog) *StatsHandler {
	return &StatsHandler{catalog: c}
}

// ServeHTTP handles the stats HTTP request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	out := bson.D{}

	if nsParam := r.URL.Query().Get("ns"); nsParam != "" {
		ns, err := types.ParseNamespace(nsParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ns must be of the form db.coll", requestID)
			return
		}
		out = append(out, bson.E{Key: nsParam, Value: h.catalog.AppendExecutionStats(ns)})
	}

	if status := h.catalog.ServerStatus(); status != nil {
		out = append(out, bson.E{Key: "bucketCatalog", Value: status})
	}

	payload, err := bson.MarshalExtJSON(out, false, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode stats", requestID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
