package provisioning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBatchParallelism bounds a batch when no parallelism is given.
const DefaultBatchParallelism = 10

// BatchSummary counts the outcomes of a batch.
type BatchSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	NotFound  int           `json:"not_found"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// BatchResult holds one response per request, in request order.
type BatchResult struct {
	ID        string       `json:"id"`
	Responses []*Response  `json:"responses"`
	Summary   BatchSummary `json:"summary"`
}

// Batch runs independent requests on a bounded worker pool. Requests never
// wait on each other; a failed request does not stop the others. Requests
// not yet started when ctx is cancelled fail as cancelled.
func (o *Orchestrator) Batch(ctx context.Context, reqs []Request, parallelism int) *BatchResult {
	start := time.Now()
	result := &BatchResult{
		ID:        uuid.New().String(),
		Responses: make([]*Response, len(reqs)),
	}

	workerCount := parallelism
	if workerCount <= 0 {
		workerCount = DefaultBatchParallelism
	}
	if len(reqs) < workerCount {
		workerCount = len(reqs)
	}

	workQueue := make(chan int, len(reqs))
	for i := range reqs {
		workQueue <- i
	}
	close(workQueue)

	logger := o.logger.With().Str("batch_id", result.ID).Logger()
	logger.Info().
		Int("requests", len(reqs)).
		Int("workers", workerCount).
		Msg("Batch started")

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workQueue {
				result.Responses[i] = o.Execute(ctx, reqs[i])
			}
		}()
	}
	wg.Wait()

	result.Summary.Total = len(reqs)
	for _, resp := range result.Responses {
		switch resp.Outcome {
		case OutcomeSuccess:
			result.Summary.Succeeded++
		case OutcomeNotFound:
			result.Summary.NotFound++
		default:
			result.Summary.Failed++
		}
	}
	result.Summary.Duration = time.Since(start)

	logger.Info().
		Int("succeeded", result.Summary.Succeeded).
		Int("not_found", result.Summary.NotFound).
		Int("failed", result.Summary.Failed).
		Dur("duration", result.Summary.Duration).
		Msg("Batch completed")

	return result
}
