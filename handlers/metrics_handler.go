package handlers

import (
	"net/http"

	"github.com/upb/llm-audit-ledger/internal/observability"
	"github.com/upb/llm-audit-ledger/utils"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsHandler exposes the ledger's OpenTelemetry instruments as JSON
type MetricsHandler struct {
	reader *sdkmetric.ManualReader
	logger *zap.Logger
}

// NewMetricsHandler creates a new MetricsHandler. A nil reader serves an
// empty list.
func NewMetricsHandler(reader *sdkmetric.ManualReader, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{reader: reader, logger: logger}
}

// HandleMetrics handles GET /metrics
func (h *MetricsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := observability.Snapshot(r.Context(), h.reader)
	if err != nil {
		h.logger.Error("failed to collect metrics", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	if points == nil {
		points = []observability.MetricPoint{}
	}
	if err := utils.WriteOK(w, points); err != nil {
		h.logger.Error("failed to write metrics response", zap.Error(err))
	}
}
