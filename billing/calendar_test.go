package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		day  int
		want billing.BucketLabel
	}{
		{1, billing.Bucket1to7},
		{7, billing.Bucket1to7},
		{8, billing.Bucket8to15},
		{15, billing.Bucket8to15},
		{16, billing.Bucket16to23},
		{23, billing.Bucket16to23},
		{24, billing.Bucket24to31},
		{31, billing.Bucket24to31},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, billing.BucketFor(tt.day), "day %d", tt.day)
	}
}

func TestBucketLabelsAreLiteral(t *testing.T) {
	labels := make([]string, len(billing.BucketLabels))
	for i, l := range billing.BucketLabels {
		labels[i] = string(l)
		assert.True(t, l.Valid())
	}
	assert.Equal(t, []string{"1-7", "8-15", "16-23", "24-31"}, labels)
	assert.False(t, billing.BucketLabel("1-8").Valid())
}

func TestDateOf_UsesLocation(t *testing.T) {
	// 23:30 UTC on the 7th is already the 8th in Tokyo
	instant := time.Date(2024, time.March, 7, 23, 30, 0, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	utcDay := billing.DateOf(instant, time.UTC)
	tokyoDay := billing.DateOf(instant, tokyo)

	assert.Equal(t, "2024-03-07", utcDay.String())
	assert.Equal(t, billing.Bucket1to7, utcDay.Bucket())
	assert.Equal(t, "2024-03-08", tokyoDay.String())
	assert.Equal(t, billing.Bucket8to15, tokyoDay.Bucket())
}

func TestParseDate(t *testing.T) {
	d, err := billing.ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, billing.NewDate(2024, time.February, 29), d)

	_, err = billing.ParseDate("2024-2-29")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = billing.ParseDate("2023-02-29")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestMonth(t *testing.T) {
	m := billing.MonthOf(time.Date(2024, time.February, 10, 12, 0, 0, 0, time.UTC), time.UTC)

	assert.Equal(t, "2024-02", m.String())
	assert.Equal(t, "2024-02-01", m.FirstDay().String())
	assert.Equal(t, "2024-02-29", m.LastDay().String())
	assert.True(t, m.Contains(billing.NewDate(2024, time.February, 29)))
	assert.False(t, m.Contains(billing.NewDate(2024, time.March, 1)))
}

func TestDateOrdering(t *testing.T) {
	a := billing.NewDate(2024, time.January, 31)
	b := a.AddDays(1)

	assert.Equal(t, "2024-02-01", b.String())
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.False(t, a.IsZero())
	assert.True(t, billing.Date{}.IsZero())
}

func TestLoadLocation(t *testing.T) {
	loc, err := billing.LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = billing.LoadLocation("Mars/Olympus")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}
