package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/errors"
	"github.com/arroyodb/arroyo/internal/ingest"
	"github.com/arroyodb/arroyo/pkg/types"
)

// WriteRequest represents a measurement write request. Documents are
// extended JSON; the time field must carry a {"$date": ...} value.
type WriteRequest struct {
	Namespace string            `json:"namespace"`
	Documents []json.RawMessage `json:"documents"`
}

// WriteResponse represents the write response.
type WriteResponse struct {
	MeasurementsCommitted int    `json:"measurements_committed"`
	Commits               int    `json:"commits"`
	Retries               int    `json:"retries,omitempty"`
	RequestID             string `json:"request_id"`
}

// WriteHandler handles POST /v1/write requests.
type WriteHandler struct {
	writer *ingest.Writer
}

// NewWriteHandler creates a new write handler.
func NewWriteHandler(writer *ingest.Writer) *WriteHandler {
	return &WriteHandler{writer: writer}
}

// ServeHTTP handles the write HTTP request.
func (h *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	ns, err := types.ParseNamespace(req.Namespace)
	if err != nil {
		writeError(w, http.StatusBadRequest, "namespace must be of the form db.coll", requestID)
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents must not be empty", requestID)
		return
	}

	docs := make([]bsoncore.Document, 0, len(req.Documents))
	for i, rawDoc := range req.Documents {
		var raw bson.Raw
		if err := bson.UnmarshalExtJSON(rawDoc, false, &raw); err != nil {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid document at index %d: %v", i, err), requestID)
			return
		}
		docs = append(docs, bsoncore.Document(raw))
	}

	res, err := h.writer.Write(r.Context(), ns, docs)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.GetCode(err) == errors.CodeBadValue || errors.GetCode(err) == errors.CodeEmptyBatch:
			status = http.StatusBadRequest
		case errors.IsRetryable(err):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error(), requestID)
		return
	}

	writeJSON(w, http.StatusOK, WriteResponse{
		MeasurementsCommitted: res.MeasurementsCommitted,
		Commits:               res.Commits,
		Retries:               res.Retries,
		RequestID:             requestID,
	})
}
