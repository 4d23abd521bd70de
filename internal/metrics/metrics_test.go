package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/typeclash/internal/domain"
)

func keystroke(correct bool) domain.Keystroke {
	return domain.Keystroke{Correct: correct}
}

func repeat(n int, correct bool) []domain.Keystroke {
	log := make([]domain.Keystroke, n)
	for i := range log {
		log[i] = keystroke(correct)
	}
	return log
}

func TestSnapshot_ZeroElapsed(t *testing.T) {
	snap := Snapshot(repeat(10, true), 0)
	assert.Equal(t, 0, snap.WPM)
	assert.Equal(t, 0, snap.RawWPM)
}

func TestSnapshot_PerfectTyping(t *testing.T) {
	// 50 correct chars in 60000ms = 10 wpm (50/5 chars-per-word / 1 minute).
	snap := Snapshot(repeat(50, true), 60000)
	assert.Equal(t, 10, snap.WPM)
	assert.Equal(t, 10, snap.RawWPM)
	assert.Equal(t, 100, snap.Accuracy)
	assert.Equal(t, 0, snap.Errors)
}

func TestSnapshot_WithErrors(t *testing.T) {
	log := append(repeat(40, true), repeat(10, false)...)
	snap := Snapshot(log, 60000)
	assert.Equal(t, 8, snap.WPM)     // 40/5 chars-per-word
	assert.Equal(t, 10, snap.RawWPM) // 50/5
	assert.Equal(t, 80, snap.Accuracy)
	assert.Equal(t, 10, snap.Errors)
}

func TestSnapshot_DeletionsExcludedFromCounts(t *testing.T) {
	log := append(repeat(10, true), domain.Keystroke{Deletion: true})
	snap := Snapshot(log, 60000)
	assert.Equal(t, 10, snap.CorrectChars)
	assert.Equal(t, 9, snap.Position) // deletion decrements position
}

func TestSnapshot_NoTypingYieldsFullAccuracy(t *testing.T) {
	snap := Snapshot(nil, 0)
	assert.Equal(t, 100, snap.Accuracy)
	assert.Equal(t, 0, snap.Consistency)
}

func TestSnapshot_FewerThanFiveWindowsYieldsZeroConsistency(t *testing.T) {
	snap := Snapshot(repeat(3, true), 3000)
	assert.Equal(t, 0, snap.Consistency)
}

func TestSnapshot_SteadyPaceYieldsHighConsistency(t *testing.T) {
	log := repeat(200, true)
	snap := Snapshot(log, 120000)
	assert.GreaterOrEqual(t, snap.Consistency, 90)
}

func TestSnapshot_BurstyPaceYieldsLowerConsistency(t *testing.T) {
	var log []domain.Keystroke
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			log = append(log, repeat(30, true)...)
		} else {
			log = append(log, repeat(2, true)...)
		}
	}
	steady := Snapshot(repeat(200, true), 120000)
	bursty := Snapshot(log, 120000)
	assert.Less(t, bursty.Consistency, steady.Consistency)
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 3, roundHalfAwayFromZero(2.5))
	assert.Equal(t, -3, roundHalfAwayFromZero(-2.5))
	assert.Equal(t, 2, roundHalfAwayFromZero(2.4))
}
