package usecase

import "context"

// MetricsSummary represents aggregated extraction insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	FacesFound        int64   `json:"faces_found"`
	FoundRate         float64 `json:"found_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates extraction metrics from persisted logs.
func (uc *EmbeddingUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		FacesFound:        aggregation.FoundCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.FoundRate = float64(aggregation.FoundCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
