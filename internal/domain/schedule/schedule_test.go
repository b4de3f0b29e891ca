package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/schedule"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	t.Run("enabled schedule computes next due", func(t *testing.T) {
		s, err := schedule.New("res-1", "*/15 * * * *", true, testNow)
		require.NoError(t, err)

		assert.NotEmpty(t, s.ID)
		assert.Equal(t, "res-1", s.ResourceID)
		require.NotNil(t, s.NextDueAt)
		assert.Equal(t, testNow.Add(15*time.Minute), *s.NextDueAt)
	})

	t.Run("disabled schedule has no next due", func(t *testing.T) {
		s, err := schedule.New("res-1", "*/15 * * * *", false, testNow)
		require.NoError(t, err)

		assert.Nil(t, s.NextDueAt)
	})

	t.Run("invalid expression rejected", func(t *testing.T) {
		_, err := schedule.New("res-1", "nope", true, testNow)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrInvalidExpression)
	})

	t.Run("missing resource rejected", func(t *testing.T) {
		_, err := schedule.New("", "*/15 * * * *", true, testNow)
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})
}

func TestSchedule_SetExpression(t *testing.T) {
	s, err := schedule.New("res-1", "*/15 * * * *", true, testNow)
	require.NoError(t, err)

	t.Run("recomputes immediately", func(t *testing.T) {
		require.NoError(t, s.SetExpression("0 * * * *", testNow))
		require.NotNil(t, s.NextDueAt)
		assert.Equal(t, testNow.Add(time.Hour), *s.NextDueAt)
	})

	t.Run("invalid expression leaves state untouched", func(t *testing.T) {
		before := *s.NextDueAt
		err := s.SetExpression("* * *", testNow)
		require.Error(t, err)
		assert.Equal(t, "0 * * * *", s.CronExpr)
		assert.Equal(t, before, *s.NextDueAt)
	})
}

func TestSchedule_DisableEnableRoundTrip(t *testing.T) {
	s, err := schedule.New("res-1", "*/15 * * * *", true, testNow)
	require.NoError(t, err)
	original := *s.NextDueAt

	s.SetEnabled(false, testNow)
	assert.Nil(t, s.NextDueAt, "disable clears next due")

	s.SetEnabled(true, testNow)
	require.NotNil(t, s.NextDueAt)
	assert.Equal(t, original, *s.NextDueAt,
		"a disable/enable cycle at the same instant yields the same next due")
}

func TestSchedule_IsDue(t *testing.T) {
	s, err := schedule.New("res-1", "*/15 * * * *", true, testNow)
	require.NoError(t, err)

	assert.False(t, s.IsDue(testNow.Add(10*time.Minute)))
	assert.True(t, s.IsDue(testNow.Add(15*time.Minute)))
	assert.True(t, s.IsDue(testNow.Add(2*time.Hour)))

	t.Run("claimed schedule is not due", func(t *testing.T) {
		s.ActiveOperationID = "op-1"
		assert.True(t, s.IsRunning())
		assert.False(t, s.IsDue(testNow.Add(time.Hour)))
	})

	t.Run("disabled schedule is not due", func(t *testing.T) {
		s.ActiveOperationID = ""
		s.SetEnabled(false, testNow)
		assert.False(t, s.IsDue(testNow.Add(time.Hour)))
	})
}

func TestSchedule_Reschedule_Coalesces(t *testing.T) {
	s, err := schedule.New("res-1", "* * * * *", true, testNow)
	require.NoError(t, err)

	// An hour of missed minutely ticks collapses into a single recompute
	// from "now" forward.
	late := testNow.Add(time.Hour)
	s.Reschedule(late)

	require.NotNil(t, s.NextDueAt)
	assert.Equal(t, late.Add(time.Minute), *s.NextDueAt)
}
