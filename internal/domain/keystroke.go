package domain

// Keystroke is a single appended event in a session's keystroke log. Ordering
// within the log is the arrival order of the underlying transport (§5).
type Keystroke struct {
	TimestampMS  int64  // ms since session/race start
	Key          rune   // the single character typed
	ClaimCorrect bool   // client-supplied, advisory only
	Correct      bool   // server-truth correctness, §4.5 rule 3
	Position     int    // text position this keystroke was judged against
	Deletion     bool   // true if this represents a backspace/delete
}

// KeystrokeLogCap is the default maximum retained keystrokes per session
// before downsampling (§4.5 rule 4, §6 keystroke_log_cap).
const KeystrokeLogCap = 10000

// AppendKeystroke appends k to log, downsampling (keep every other entry)
// once the cap is exceeded so the distribution shape is preserved for the
// consistency calculation.
func AppendKeystroke(log []Keystroke, k Keystroke, capLimit int) []Keystroke {
	log = append(log, k)
	if len(log) <= capLimit {
		return log
	}
	downsampled := make([]Keystroke, 0, len(log)/2+1)
	for i, entry := range log {
		if i%2 == 0 {
			downsampled = append(downsampled, entry)
		}
	}
	return downsampled
}
