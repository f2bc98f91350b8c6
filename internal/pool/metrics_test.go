package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationRingAverage(t *testing.T) {
	var r durationRing
	assert.Equal(t, time.Duration(0), r.average())

	r.add(10 * time.Millisecond)
	r.add(30 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, r.average())
}

func TestDurationRingKeepsLastHundred(t *testing.T) {
	var r durationRing
	// 50 old samples that should age out entirely
	for i := 0; i < 50; i++ {
		r.add(time.Hour)
	}
	// 100 fresh samples overwrite the window
	for i := 0; i < 100; i++ {
		r.add(time.Millisecond)
	}
	assert.Equal(t, 100, r.count)
	assert.Equal(t, time.Millisecond, r.average())
}
