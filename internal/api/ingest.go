// Package api exposes the ingest surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jonico/khronus/internal/ingest"
	"github.com/jonico/khronus/internal/models"
)

var (
	ErrParamNameIsRequired = errors.New("metric name is required")
	ErrParamBadMetricType  = errors.New("unknown metric type")
)

// MetricPayload is one metric's measurements in an ingest request.
type MetricPayload struct {
	Name         string               `json:"name"`
	Type         string               `json:"type"`
	Measurements []MeasurementPayload `json:"measurements"`
}

// MeasurementPayload is a timestamped list of values.
type MeasurementPayload struct {
	Timestamp int64   `json:"ts"`
	Values    []int64 `json:"values"`
}

// IngestRequest is the POST body of the ingest endpoint.
type IngestRequest struct {
	Metrics []MetricPayload `json:"metrics"`
}

// IngestHandler converts ingest requests into measurement batches.
type IngestHandler struct {
	store *ingest.MeasurementStore
	log   *zap.Logger
}

// NewIngestHandler creates the handler.
func NewIngestHandler(store *ingest.MeasurementStore, log *zap.Logger) *IngestHandler {
	return &IngestHandler{store: store, log: log}
}

// ServeHTTP accepts a measurement batch. Unknown metric types inside the
// batch are discarded by the store path; a malformed request fails whole.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "only POST is supported")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, ErrCodeInvalidBody, "malformed request body")
		return
	}

	batch, err := toBatch(req)
	if err != nil {
		BadRequest(w, ErrCodeValidationError, err.Error())
		return
	}

	if err := h.store.StoreMetricMeasurements(r.Context(), batch); err != nil {
		h.log.Error("failed to store measurement batch", zap.Error(err))
		ServiceUnavailable(w, "storage unavailable")
		return
	}
	NoContent(w)
}

func toBatch(req IngestRequest) ([]ingest.MetricMeasurement, error) {
	batch := make([]ingest.MetricMeasurement, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		if m.Name == "" {
			return nil, ErrParamNameIsRequired
		}
		mm := ingest.MetricMeasurement{
			Metric: models.Metric{Name: m.Name, Type: models.MetricType(m.Type)},
		}
		for _, measurement := range m.Measurements {
			mm.Measurements = append(mm.Measurements, ingest.Measurement{
				Timestamp: models.Timestamp(measurement.Timestamp),
				Values:    measurement.Values,
			})
		}
		batch = append(batch, mm)
	}
	return batch, nil
}
