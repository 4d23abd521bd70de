// Package metrics computes the Metric Snapshot (§4.7) from a session's
// server-observed keystroke log and its Reference Text. Every function here
// is pure: no I/O, no clocks besides the elapsed-ms argument the caller
// supplies, so the package is tested directly on hand-built keystroke logs.
package metrics

import (
	"math"

	"github.com/ashureev/typeclash/internal/domain"
)

const charsPerWord = 5.0

// minWindowsForConsistency is the threshold below which consistency is
// defined to be 0 (§4.7 "With < 5 windowed samples, consistency is 0").
const minWindowsForConsistency = 5

// targetWindows is the minimum window count the partitioning strategy aims
// for (§4.7 "Partition the log into >= 10 equal-count windows").
const targetWindows = 10

// Snapshot computes a domain.MetricSnapshot from a keystroke log and elapsed
// time, following the definitions in §4.7 and the GLOSSARY exactly.
func Snapshot(log []domain.Keystroke, elapsedMS int64) domain.MetricSnapshot {
	correct, incorrect := countCorrectIncorrect(log)
	total := correct + incorrect

	return domain.MetricSnapshot{
		WPM:            wpm(correct, elapsedMS),
		RawWPM:         wpm(total, elapsedMS),
		Accuracy:       accuracy(correct, total),
		Consistency:    consistency(log, elapsedMS),
		Errors:         incorrect,
		CorrectChars:   correct,
		IncorrectChars: incorrect,
		Position:       currentPosition(log),
		ElapsedMS:      elapsedMS,
	}
}

func countCorrectIncorrect(log []domain.Keystroke) (correct, incorrect int) {
	for _, k := range log {
		if k.Deletion {
			continue
		}
		if k.Correct {
			correct++
		} else {
			incorrect++
		}
	}
	return correct, incorrect
}

func currentPosition(log []domain.Keystroke) int {
	pos := 0
	for _, k := range log {
		if k.Deletion {
			if pos > 0 {
				pos--
			}
			continue
		}
		pos++
	}
	return pos
}

// wpm implements GLOSSARY "WPM": round((chars/5) / elapsed_minutes), 0 when
// elapsed_ms = 0.
func wpm(chars int, elapsedMS int64) int {
	if elapsedMS <= 0 {
		return 0
	}
	minutes := float64(elapsedMS) / 60000.0
	return roundHalfAwayFromZero((float64(chars) / charsPerWord) / minutes)
}

// accuracy implements §4.7: total_chars = 0 ? 100 : round(100*correct/total).
func accuracy(correct, total int) int {
	if total == 0 {
		return 100
	}
	return roundHalfAwayFromZero(100.0 * float64(correct) / float64(total))
}

// consistency implements the windowed coefficient-of-variation formula
// (§4.7, GLOSSARY "Consistency"): partition the log into windows, compute
// per-window wpm, and derive 100*(1-CV), clamped to [0,100].
func consistency(log []domain.Keystroke, elapsedMS int64) int {
	windows := windowedWPM(log, elapsedMS)
	if len(windows) < minWindowsForConsistency {
		return 0
	}

	mean := meanOf(windows)
	if mean == 0 {
		return 100
	}
	sd := stdDevOf(windows, mean)
	cv := sd / mean

	score := roundHalfAwayFromZero(100.0 * (1.0 - cv))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// windowedWPM partitions the log into equal-count windows (targeting
// targetWindows windows) and returns each window's wpm.
func windowedWPM(log []domain.Keystroke, elapsedMS int64) []float64 {
	n := len(log)
	if n == 0 || elapsedMS <= 0 {
		return nil
	}

	windowCount := targetWindows
	if n < windowCount {
		windowCount = n
	}
	if windowCount == 0 {
		return nil
	}

	perWindow := n / windowCount
	if perWindow == 0 {
		perWindow = 1
	}

	var results []float64
	msPerEntry := float64(elapsedMS) / float64(n)

	for start := 0; start < n; start += perWindow {
		end := start + perWindow
		if end > n {
			end = n
		}
		segment := log[start:end]
		correct, incorrect := countCorrectIncorrect(segment)
		segMS := msPerEntry * float64(len(segment))
		if segMS <= 0 {
			continue
		}
		minutes := segMS / 60000.0
		w := (float64(correct+incorrect) / charsPerWord) / minutes
		results = append(results, w)
	}
	return results
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// roundHalfAwayFromZero rounds to the nearest integer, matching the spec's
// "round(...)" wherever it appears.
func roundHalfAwayFromZero(v float64) int {
	if v >= 0 {
		return int(math.Floor(v + 0.5))
	}
	return -int(math.Floor(-v + 0.5))
}
