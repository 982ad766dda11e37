package teaching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestBuiltinCurriculumCoversEveryTrigger(t *testing.T) {
	c, err := ParseCurriculum(defaultCurriculum)
	require.NoError(t, err)

	for event, tr := range triggers {
		ent, ok := c[tr.concept][tr.subConcept]
		if assert.True(t, ok, event) {
			assert.NotEmpty(t, ent.Headline, event)
			assert.NotEmpty(t, ent.Explanation, event)
		}
	}
}

func TestGetMoment_CommitSequence(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.GetMoment(ctx, "commit_created", "Sparky: Build", "game")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "source_control", first.Concept)
	assert.Contains(t, first.Headline, "saved")

	second, err := e.GetMoment(ctx, "commit_created", "", "game")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Contains(t, second.Headline, "own work")

	third, err := e.GetMoment(ctx, "commit_created", "", "game")
	require.NoError(t, err)
	assert.Nil(t, third)

	assert.Equal(t, []string{"source_control:first_commit", "source_control:multiple_commits"}, e.ShownConcepts())
}

func TestGetMoment_Dedup(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	m, err := e.GetMoment(ctx, "tester_task_completed", "", "")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "testing", m.Concept)

	m, err = e.GetMoment(ctx, "tester_task_completed", "", "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestGetMoment_UnknownEvent(t *testing.T) {
	m, err := newEngine(t).GetMoment(context.Background(), "task_started", "", "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMarkShown(t *testing.T) {
	e := newEngine(t)
	e.MarkShown("code_review:first_review")

	m, err := e.GetMoment(context.Background(), "reviewer_task_completed", "", "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMissingCurriculumEntry(t *testing.T) {
	e := NewWithCurriculum(Curriculum{}, nil)

	m, err := e.GetMoment(context.Background(), "plan_ready", "", "")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Empty(t, e.ShownConcepts())
}

func TestParseCurriculumError(t *testing.T) {
	_, err := ParseCurriculum([]byte("decomposition: [unclosed"))
	assert.Error(t, err)
}
