package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentWeek(t *testing.T) {
	end := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		now  time.Time
		want uint32
	}{
		{"before end", end.AddDate(0, 0, -10), 1},
		{"same day", end.Add(3 * time.Hour), 1},
		{"day 6", end.AddDate(0, 0, 6), 1},
		{"day 7", end.AddDate(0, 0, 7), 2},
		{"day 27", end.AddDate(0, 0, 27), 4},
		{"day 28", end.AddDate(0, 0, 28), 5},
		{"day 41", end.AddDate(0, 0, 41), 6},
		{"day 42", end.AddDate(0, 0, 42), 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CurrentWeek(end, tc.now))
		})
	}
}

func TestGates(t *testing.T) {
	for w := uint32(1); w <= 8; w++ {
		assert.Equal(t, w <= 4, RoadmapOpen(w), "roadmap week %d", w)
		assert.Equal(t, w == 5 || w == 6, SubmissionOpen(w), "submission week %d", w)
	}
	assert.False(t, RoadmapOpen(0))

	require.NoError(t, CheckRoadmap(2))
	err := CheckRoadmap(5)
	var closed ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, uint32(5), closed.Week)
	assert.Contains(t, err.Error(), "weeks 1-4")

	require.NoError(t, CheckSubmission(6))
	assert.ErrorContains(t, CheckSubmission(3), "weeks 5-6")
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDate("2025-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour())

	_, err = ParseDate("March 1")
	assert.Error(t, err)
}
