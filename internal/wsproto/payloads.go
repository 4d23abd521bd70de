package wsproto

// Inbound payloads. Struct tags are validated with go-playground/validator
// before dispatch (§4.1 "validates the payload against the event's schema").

// TestStartPayload is the payload for `test:start`.
type TestStartPayload struct {
	Mode       string `json:"mode" validate:"required,oneof=time words"`
	Duration   int    `json:"duration,omitempty" validate:"omitempty,oneof=15 30 60 120"`
	WordCount  int    `json:"wordCount,omitempty" validate:"omitempty,min=1,max=500"`
	WordListID string `json:"wordListId,omitempty"`
	Language   string `json:"language,omitempty"`
}

// TestKeystrokePayload is the payload for `test:keystroke`.
type TestKeystrokePayload struct {
	TestID      string `json:"testId" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"min=0"`
	Key         string `json:"key" validate:"required,max=8"`
	Correct     bool   `json:"correct"`
	Position    int    `json:"position" validate:"min=0"`
	CurrentText string `json:"currentText,omitempty"`
}

// FinalStats is the client-reported completion summary. test:completed
// results are recomputed from the server-observed keystroke log, but
// race:finish passes its wpm, accuracy and errors to the Race Engine, which
// stores them (wpm capped at the configured ceiling, accuracy at 100) as the
// player's final progress and persists them with the race result.
type FinalStats struct {
	WPM           int     `json:"wpm"`
	Accuracy      int     `json:"accuracy"`
	Consistency   int     `json:"consistency,omitempty"`
	Errors        int     `json:"errors"`
	TimeElapsed   float64 `json:"timeElapsed,omitempty"`
	FinishTime    int64   `json:"finishTime,omitempty"`
}

// TestCompletedPayload is the payload for `test:completed`.
type TestCompletedPayload struct {
	TestID     string     `json:"testId" validate:"required"`
	FinalStats FinalStats `json:"finalStats"`
}

// TestLeavePayload is the payload for `test:leave`.
type TestLeavePayload struct {
	TestID string `json:"testId" validate:"required"`
}

// RaceCreatePayload is the payload for `race:create`.
type RaceCreatePayload struct {
	Name       string `json:"name" validate:"required,max=50"`
	Mode       string `json:"mode" validate:"required,oneof=time words"`
	Duration   int    `json:"duration,omitempty" validate:"omitempty,min=15,max=300"`
	WordCount  int    `json:"wordCount,omitempty" validate:"omitempty,min=10,max=200"`
	MaxPlayers int    `json:"maxPlayers" validate:"min=2,max=20"`
	WordListID string `json:"wordListId,omitempty"`
	IsPrivate  bool   `json:"isPrivate"`
}

// RaceJoinPayload is the payload for `race:join`.
type RaceJoinPayload struct {
	RaceID string `json:"raceId" validate:"required"`
}

// RaceLeavePayload is the payload for `race:leave`.
type RaceLeavePayload struct {
	RaceID string `json:"raceId" validate:"required"`
}

// RaceProgressPayload is the payload for `race:progress`.
type RaceProgressPayload struct {
	RaceID     string `json:"raceId" validate:"required"`
	Position   int    `json:"position" validate:"min=0"`
	WPM        int    `json:"wpm" validate:"min=0"`
	Accuracy   int    `json:"accuracy" validate:"min=0,max=100"`
	Errors     int    `json:"errors" validate:"min=0"`
	IsFinished bool   `json:"isFinished"`
}

// RaceFinishPayload is the payload for `race:finish`.
type RaceFinishPayload struct {
	RaceID     string     `json:"raceId" validate:"required"`
	FinalStats FinalStats `json:"finalStats"`
}

// RaceMessagePayload is the payload for `race:message`.
type RaceMessagePayload struct {
	RaceID  string `json:"raceId" validate:"required"`
	Message string `json:"message" validate:"required,max=200"`
}

// FriendsUpdateStatusPayload is the payload for `friends:update_status`.
type FriendsUpdateStatusPayload struct {
	Status   string `json:"status" validate:"required,oneof=online away busy invisible"`
	Activity string `json:"activity,omitempty"`
}
