package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDateOf(t *testing.T) {
	// The date is always derived in UTC, whatever produced the millis.
	ts := time.Date(2025, 1, 6, 23, 59, 59, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2025-01-06", DateOf(ts))

	// One second later rolls the date.
	assert.Equal(t, "2025-01-07", DateOf(ts+1000))

	// An eastern-offset wall clock past midnight is still the previous
	// UTC day.
	east := time.Date(2025, 1, 7, 1, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	assert.Equal(t, "2025-01-06", DateOf(east.UnixMilli()))
}
