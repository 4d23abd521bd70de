package domain

// MetricSnapshot is the immutable, server-derived view of a session's typing
// performance at a point in time (§3, §4.7). It is never sourced from the
// client.
type MetricSnapshot struct {
	WPM            int
	RawWPM         int
	Accuracy       int
	Consistency    int
	Errors         int
	CorrectChars   int
	IncorrectChars int
	Position       int
	ElapsedMS      int64
}
