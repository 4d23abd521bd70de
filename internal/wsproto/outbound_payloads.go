package wsproto

// Outbound payloads published by the engines (§6).

// TestJoinedPayload accompanies `test:joined`.
type TestJoinedPayload struct {
	TestID        string   `json:"testId"`
	Mode          string   `json:"mode"`
	Limit         int      `json:"limit"`
	ReferenceText string   `json:"referenceText"`
	Tokens        []string `json:"tokens"`
}

// StatsUpdatePayload accompanies `test:stats_update`.
type StatsUpdatePayload struct {
	TestID         string `json:"testId"`
	WPM            int    `json:"wpm"`
	RawWPM         int    `json:"rawWpm"`
	Accuracy       int    `json:"accuracy"`
	Consistency    int    `json:"consistency"`
	Errors         int    `json:"errors"`
	CorrectChars   int    `json:"correctChars"`
	IncorrectChars int    `json:"incorrectChars"`
	Position       int    `json:"position"`
	ElapsedMS      int64  `json:"elapsedMs"`
}

// TestResultPayload accompanies `test:result`.
type TestResultPayload struct {
	TestID      string `json:"testId"`
	WPM         int    `json:"wpm"`
	RawWPM      int    `json:"rawWpm"`
	Accuracy    int    `json:"accuracy"`
	Consistency int    `json:"consistency"`
	Errors      int    `json:"errors"`
	ElapsedMS   int64  `json:"elapsedMs"`
	Unsunk      bool   `json:"unsunk,omitempty"`
}

// RaceCreatedPayload accompanies `race:created`.
type RaceCreatedPayload struct {
	RaceID   string `json:"raceId"`
	RoomCode string `json:"roomCode"`
	Name     string `json:"name"`
}

// RacePlayerView is the public view of one player's progress, sent in
// roster/progress snapshots.
type RacePlayerView struct {
	IdentityID string `json:"identityId"`
	Username   string `json:"username"`
	Position   int    `json:"position"`
	WPM        int    `json:"wpm"`
	Accuracy   int    `json:"accuracy"`
	Errors     int    `json:"errors"`
	Finished   bool   `json:"finished"`
	Rank       int    `json:"rank,omitempty"`
}

// RaceJoinedPayload accompanies `race:joined`.
type RaceJoinedPayload struct {
	RaceID        string           `json:"raceId"`
	Name          string           `json:"name"`
	Mode          string           `json:"mode"`
	Limit         int              `json:"limit"`
	Status        string           `json:"status"`
	ReferenceText string           `json:"referenceText,omitempty"`
	Roster        []RacePlayerView `json:"roster"`
}

// RacePlayerJoinedPayload accompanies `race:player_joined`.
type RacePlayerJoinedPayload struct {
	RaceID     string `json:"raceId"`
	IdentityID string `json:"identityId"`
	Username   string `json:"username"`
}

// RacePlayerLeftPayload accompanies `race:player_left`.
type RacePlayerLeftPayload struct {
	RaceID     string `json:"raceId"`
	IdentityID string `json:"identityId"`
}

// RaceStartPayload accompanies `race:start`.
type RaceStartPayload struct {
	RaceID            string   `json:"raceId"`
	CountdownSeconds  int      `json:"countdownSeconds"`
	ReferenceText     string   `json:"referenceText"`
	Tokens            []string `json:"tokens"`
}

// RaceCountdownPayload accompanies `race:countdown`.
type RaceCountdownPayload struct {
	RaceID         string `json:"raceId"`
	SecondsRemaining int  `json:"secondsRemaining"`
}

// RaceBeginPayload accompanies `race:begin`.
type RaceBeginPayload struct {
	RaceID string `json:"raceId"`
}

// RaceProgressUpdatePayload accompanies `race:progress_update`.
type RaceProgressUpdatePayload struct {
	RaceID string           `json:"raceId"`
	Roster []RacePlayerView `json:"roster"`
}

// RacePlayerFinishedPayload accompanies `race:player_finished`.
type RacePlayerFinishedPayload struct {
	RaceID     string `json:"raceId"`
	IdentityID string `json:"identityId"`
	Rank       int    `json:"rank"`
}

// RaceCompletedPayload accompanies `race:completed`.
type RaceCompletedPayload struct {
	RaceID   string           `json:"raceId"`
	WinnerID string           `json:"winnerId,omitempty"`
	Rankings []RacePlayerView `json:"rankings"`
}

// RaceMessageReceivedPayload accompanies `race:message_received`.
type RaceMessageReceivedPayload struct {
	RaceID     string `json:"raceId"`
	IdentityID string `json:"identityId"`
	Username   string `json:"username"`
	Message    string `json:"message"`
}

// FriendPresencePayload accompanies `friend:online`/`friend:offline`.
type FriendPresencePayload struct {
	IdentityID string `json:"identityId"`
	Username   string `json:"username"`
}
