package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ExecutionRollup is the aggregated token and cost accounting for one
// execution, as recorded in Prometheus.
type ExecutionRollup struct {
	ExecutionID  string  `json:"execution_id"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost_usd"`
}

// QueryService queries recorded series back out of Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service for the given Prometheus address.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// Rollup aggregates tokens and cost for one execution across all models it
// touched.
func (q *QueryService) Rollup(ctx context.Context, executionID string) (*ExecutionRollup, error) {
	rollup := &ExecutionRollup{ExecutionID: executionID}

	input, err := q.sum(ctx, fmt.Sprintf(`sum(conductor_tokens_total{execution_id=%q, type="input"})`, executionID))
	if err != nil {
		return nil, fmt.Errorf("query input tokens: %w", err)
	}
	rollup.InputTokens = int64(input)

	output, err := q.sum(ctx, fmt.Sprintf(`sum(conductor_tokens_total{execution_id=%q, type="output"})`, executionID))
	if err != nil {
		return nil, fmt.Errorf("query output tokens: %w", err)
	}
	rollup.OutputTokens = int64(output)
	rollup.TotalTokens = rollup.InputTokens + rollup.OutputTokens

	cost, err := q.sum(ctx, fmt.Sprintf(`sum(conductor_costs_total{execution_id=%q})`, executionID))
	if err != nil {
		return nil, fmt.Errorf("query cost: %w", err)
	}
	rollup.TotalCost = cost

	return rollup, nil
}

func (q *QueryService) sum(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
