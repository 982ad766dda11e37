package scheduler

import "fmt"

// RevisionID returns the id for the n-th revision of originalID (n starts at 1).
func RevisionID(originalID string, n int) string {
	if n <= 1 {
		return fmt.Sprintf("task-revision-%s", originalID)
	}
	return fmt.Sprintf("task-revision-%s-%d", originalID, n)
}

// NewRevisionTask builds the follow-up task created when a human rejects a
// gate. The reviewer's feedback is embedded verbatim and the revision depends
// on the original task, so it becomes ready as soon as the original settles.
func NewRevisionTask(original *Task, id, feedback string) *Task {
	return &Task{
		ID:                 id,
		Name:               fmt.Sprintf("Revise: %s", original.DisplayName()),
		Description:        fmt.Sprintf("Revise based on feedback: %s", feedback),
		Status:             TaskPending,
		AgentName:          original.AgentName,
		Dependencies:       []string{original.ID},
		AcceptanceCriteria: []string{fmt.Sprintf("Address feedback: %s", feedback)},
	}
}
