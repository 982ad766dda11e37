package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNoPendingQuestion is returned when answering a task that is not waiting.
var ErrNoPendingQuestion = errors.New("no pending question for task")

// ErrQuestionPending is returned when a task asks while already waiting.
var ErrQuestionPending = errors.New("question already pending for task")

// QuestionResolvers holds one pending answer channel per task. Agents block
// in Ask until an out-of-band caller (the HTTP layer) invokes Resolve.
type QuestionResolvers struct {
	mu      sync.Mutex
	pending map[string]chan map[string]any
}

// NewQuestionResolvers creates an empty resolver map.
func NewQuestionResolvers() *QuestionResolvers {
	return &QuestionResolvers{pending: make(map[string]chan map[string]any)}
}

// Ask registers a resolver for taskID, calls emit, and waits for the answer.
// Registration happens before emit so an immediate Resolve is never lost.
func (q *QuestionResolvers) Ask(ctx context.Context, taskID string, emit func()) (map[string]any, error) {
	responseCh := make(chan map[string]any, 1)

	q.mu.Lock()
	if _, exists := q.pending[taskID]; exists {
		q.mu.Unlock()
		return nil, ErrQuestionPending
	}
	q.pending[taskID] = responseCh
	q.mu.Unlock()

	emit()

	select {
	case answer := <-responseCh:
		return answer, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.pending[taskID] == responseCh {
			delete(q.pending, taskID)
		}
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Resolve delivers answer verbatim to the question pending for taskID.
func (q *QuestionResolvers) Resolve(taskID string, answer map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.pending[taskID]
	if !ok {
		return ErrNoPendingQuestion
	}
	delete(q.pending, taskID)
	ch <- answer
	return nil
}

// Pending returns the task ids currently waiting for an answer, sorted.
func (q *QuestionResolvers) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
