// Package testengine implements the Test Session Engine (§4.5): the
// single-player typing-test lifecycle, server-truth keystroke ingestion, and
// completion handoff to the Result Sink.
package testengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/typeclash/internal/collab"
	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/domain"
	"github.com/ashureev/typeclash/internal/metrics"
	"github.com/ashureev/typeclash/internal/room"
	"github.com/ashureev/typeclash/internal/wsproto"
)

// Publisher is the narrow room-fabric surface the engine needs. Matches
// *room.Fabric.
type Publisher interface {
	Publish(name string, msg room.Message)
}

var defaultSinkRetryIntervals = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ErrNoWordLists is returned by Start when the WordSource cannot supply a
// Reference Text (§4.5 "Word Source failure at start").
var ErrNoWordLists = fmt.Errorf("no word lists available")

type entry struct {
	mu      sync.Mutex
	session *domain.TestSession
}

// Engine owns every live Test Session. Each session is serialized by its own
// entry mutex; the Engine map itself is guarded separately so lookups never
// block on an in-flight mutation of an unrelated session.
type Engine struct {
	mapMu    sync.RWMutex
	sessions map[string]*entry

	words  collab.WordSource
	sink   collab.ResultSink
	pub    Publisher
	cfg    config.TestConfig
	tocfg  config.TimeoutConfig

	sinkRetryIntervals []time.Duration
}

// New builds a Test Session Engine.
func New(words collab.WordSource, sink collab.ResultSink, pub Publisher, cfg config.TestConfig, tocfg config.TimeoutConfig) *Engine {
	return &Engine{
		sessions:           make(map[string]*entry),
		words:              words,
		sink:               sink,
		pub:                pub,
		cfg:                cfg,
		tocfg:              tocfg,
		sinkRetryIntervals: defaultSinkRetryIntervals,
	}
}

// Start implements `test:start` (§4.5). It fetches the Reference Text before
// installing the session, so a Word Source failure never leaves a
// half-created entry behind.
func (e *Engine) Start(ctx context.Context, connID string, owner domain.Identity, payload wsproto.TestStartPayload, now time.Time) (*domain.TestSession, error) {
	count := payload.WordCount
	if payload.Mode == string(domain.TestModeTime) {
		count = wordCountForTimedTest(payload.Duration)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.tocfg.WordFetch)
	defer cancel()

	tokens, err := e.words.Fetch(fetchCtx, collab.WordRequest{
		ListID:   payload.WordListID,
		Language: payload.Language,
		Count:    count,
		Mode:     domain.TestMode(payload.Mode),
	})
	if err != nil || len(tokens) == 0 {
		return nil, ErrNoWordLists
	}

	session := &domain.TestSession{
		ID:        uuid.NewString(),
		OwnerConn: connID,
		Owner:     owner,
		Mode:      domain.TestMode(payload.Mode),
		Limit:     limitFor(payload),
		Reference: domain.NewReferenceText(tokens),
		CreatedAt: now,
		Status:    domain.TestCreated,
	}

	e.mapMu.Lock()
	e.sessions[session.ID] = &entry{session: session}
	e.mapMu.Unlock()

	e.pub.Publish(fmt.Sprintf("user:%s", session.Owner.ID), room.Message{
		Event: wsproto.EventTestJoined,
		Payload: wsproto.NewOutbound(wsproto.EventTestJoined, wsproto.TestJoinedPayload{
			TestID:        session.ID,
			Mode:          string(session.Mode),
			Limit:         session.Limit,
			ReferenceText: session.Reference.Joined,
			Tokens:        session.Reference.Tokens,
		}, now),
	})

	return session, nil
}

// wordCountForTimedTest sizes the Reference Text generously for time-mode
// tests so the player is unlikely to reach the end before the clock runs
// out; the Engine trims nothing further, mirroring a real word-source page.
func wordCountForTimedTest(durationSeconds int) int {
	const wordsPerSecond = 3 // generous upper bound well above any human typist
	count := durationSeconds * wordsPerSecond
	if count < 20 {
		count = 20
	}
	return count
}

func limitFor(p wsproto.TestStartPayload) int {
	if p.Mode == string(domain.TestModeTime) {
		return p.Duration
	}
	return p.WordCount
}

// get returns the entry for a session id, or nil.
func (e *Engine) get(sessionID string) *entry {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	return e.sessions[sessionID]
}

// delete removes a session from the map.
func (e *Engine) delete(sessionID string) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	delete(e.sessions, sessionID)
}

// ErrNotFound is returned when a session id has no live entry.
var ErrNotFound = fmt.Errorf("test session not found")

// ErrWrongOwner is returned when a keystroke/command arrives from a
// connection other than the session's owner.
var ErrWrongOwner = fmt.Errorf("connection does not own this test session")

// ErrInvalidKey is returned for multi-codepoint or empty keystroke keys
// (§4.5 rule 2).
var ErrInvalidKey = fmt.Errorf("keystroke key must be exactly one character")

// Keystroke implements `test:keystroke` (§4.5 rule 1-5).
func (e *Engine) Keystroke(ctx context.Context, connID string, payload wsproto.TestKeystrokePayload, now time.Time) error {
	ent := e.get(payload.TestID)
	if ent == nil {
		return ErrNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	s := ent.session
	if s.OwnerConn != connID {
		return ErrWrongOwner
	}
	if s.Status != domain.TestCreated && s.Status != domain.TestRunning {
		return fmt.Errorf("test session is %s, rejecting keystroke", s.Status)
	}

	keyRunes := []rune(payload.Key)
	if len(keyRunes) != 1 {
		return ErrInvalidKey
	}

	if s.Status == domain.TestCreated {
		s.Status = domain.TestRunning
		s.StartedAt = now
	}

	pos := s.CurrentPosition()
	correct := serverTruthCorrect(s.Reference, pos, keyRunes[0])

	s.Keystrokes = domain.AppendKeystroke(s.Keystrokes, domain.Keystroke{
		TimestampMS:  payload.Timestamp,
		Key:          keyRunes[0],
		ClaimCorrect: payload.Correct,
		Correct:      correct,
		Position:     pos,
	}, e.cfg.KeystrokeLogCap)

	elapsed := now.Sub(s.StartedAt)
	snap := metrics.Snapshot(s.Keystrokes, elapsed.Milliseconds())
	s.Snapshot = snap

	if now.Sub(s.LastBroadcast()) >= e.cfg.StatsBroadcastMinInterval {
		s.MarkBroadcast(now)
		e.pub.Publish(fmt.Sprintf("test:%s", s.ID), room.Message{
			Event: wsproto.EventTestStatsUpdate,
			Payload: wsproto.NewOutbound(wsproto.EventTestStatsUpdate, wsproto.StatsUpdatePayload{
				TestID:         s.ID,
				WPM:            snap.WPM,
				RawWPM:         snap.RawWPM,
				Accuracy:       snap.Accuracy,
				Consistency:    snap.Consistency,
				Errors:         snap.Errors,
				CorrectChars:   snap.CorrectChars,
				IncorrectChars: snap.IncorrectChars,
				Position:       snap.Position,
				ElapsedMS:      snap.ElapsedMS,
			}, now),
		})
	}

	if e.shouldComplete(s, elapsed) {
		e.complete(ctx, s, now)
	}

	return nil
}

func serverTruthCorrect(ref domain.ReferenceText, pos int, key rune) bool {
	expected, ok := ref.At(pos)
	if !ok {
		return false
	}
	return expected == key
}

func (e *Engine) shouldComplete(s *domain.TestSession, elapsed time.Duration) bool {
	switch s.Mode {
	case domain.TestModeTime:
		return elapsed.Seconds() >= float64(s.Limit)
	case domain.TestModeWords:
		return s.CurrentPosition() >= s.Reference.Len()
	}
	return false
}

// Completed implements the explicit `test:completed` client event: it forces
// the completion path regardless of the elapsed/position check (§4.5 "owner
// submits test:completed").
func (e *Engine) Completed(ctx context.Context, connID string, payload wsproto.TestCompletedPayload, now time.Time) error {
	ent := e.get(payload.TestID)
	if ent == nil {
		return ErrNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	s := ent.session
	if s.OwnerConn != connID {
		return ErrWrongOwner
	}
	if s.Status == domain.TestCompleted {
		return nil
	}
	e.complete(ctx, s, now)
	return nil
}

// complete transitions the session to completed and hands off to the Result
// Sink. Must be called with ent.mu held.
func (e *Engine) complete(ctx context.Context, s *domain.TestSession, now time.Time) {
	s.Status = domain.TestCompleted
	s.EndedAt = now

	elapsed := now.Sub(s.StartedAt)
	snap := metrics.Snapshot(s.Keystrokes, elapsed.Milliseconds())
	s.Snapshot = snap

	result := collab.TestResult{
		SessionID:   s.ID,
		IdentityID:  s.Owner.ID,
		Mode:        s.Mode,
		Limit:       s.Limit,
		WPM:         snap.WPM,
		RawWPM:      snap.RawWPM,
		Accuracy:    snap.Accuracy,
		Consistency: snap.Consistency,
		Errors:      snap.Errors,
		ElapsedMS:   snap.ElapsedMS,
		CompletedAt: now,
	}

	unsunk := false
	sinkCtx, cancel := context.WithTimeout(ctx, e.tocfg.ResultSink)
	if err := e.sink.RecordTest(sinkCtx, result); err != nil {
		unsunk = true
		slog.Warn("result sink record failed, will retry", "session_id", s.ID, "error", err)
		go e.retrySink(result)
	}
	cancel()

	e.pub.Publish(fmt.Sprintf("user:%s", s.Owner.ID), room.Message{
		Event:    wsproto.EventTestResult,
		Critical: true,
		Payload: wsproto.NewOutbound(wsproto.EventTestResult, wsproto.TestResultPayload{
			TestID:      s.ID,
			WPM:         snap.WPM,
			RawWPM:      snap.RawWPM,
			Accuracy:    snap.Accuracy,
			Consistency: snap.Consistency,
			Errors:      snap.Errors,
			ElapsedMS:   snap.ElapsedMS,
			Unsunk:      unsunk,
		}, now),
	})
	e.pub.Publish(fmt.Sprintf("test:%s", s.ID), room.Message{
		Event:    wsproto.EventTestResult,
		Critical: true,
		Payload: wsproto.NewOutbound(wsproto.EventTestResult, wsproto.TestResultPayload{
			TestID:      s.ID,
			WPM:         snap.WPM,
			RawWPM:      snap.RawWPM,
			Accuracy:    snap.Accuracy,
			Consistency: snap.Consistency,
			Errors:      snap.Errors,
			ElapsedMS:   snap.ElapsedMS,
			Unsunk:      unsunk,
		}, now),
	})
}

// retrySink retries a failed ResultSink.RecordTest call with bounded
// exponential backoff (§4.5 "bounded retry (3 attempts, exponential
// backoff); drop with a logged counter on exhaustion").
func (e *Engine) retrySink(result collab.TestResult) {
	for attempt, delay := range e.sinkRetryIntervals {
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), e.tocfg.ResultSink)
		err := e.sink.RecordTest(ctx, result)
		cancel()

		if err == nil {
			return
		}
		slog.Warn("result sink retry failed", "session_id", result.SessionID, "attempt", attempt+1, "error", err)
	}

	slog.Error("result sink exhausted retries, dropping result", "session_id", result.SessionID)
}

// Leave implements `test:leave`: removes the session immediately without
// forwarding a result, since the test never reached completion.
func (e *Engine) Leave(connID, sessionID string) error {
	ent := e.get(sessionID)
	if ent == nil {
		return ErrNotFound
	}

	ent.mu.Lock()
	owner := ent.session.OwnerConn
	ent.mu.Unlock()

	if owner != connID {
		return ErrWrongOwner
	}

	e.delete(sessionID)
	return nil
}

// Housekeep expires stale created/running sessions and evicts sessions that
// completed more than EvictionDelay ago (§5 "Eviction").
func (e *Engine) Housekeep(now time.Time) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	for id, ent := range e.sessions {
		ent.mu.Lock()
		s := ent.session

		switch s.Status {
		case domain.TestCreated, domain.TestRunning:
			if now.Sub(s.CreatedAt) >= e.cfg.SessionTTL {
				s.Status = domain.TestExpired
				s.EndedAt = now
			}
		case domain.TestCompleted, domain.TestExpired:
			if now.Sub(s.EndedAt) >= e.cfg.EvictionDelay {
				delete(e.sessions, id)
			}
		}
		ent.mu.Unlock()
	}
}

// Snapshot returns a copy of the session for read-only inspection (tests,
// diagnostics). Returns nil if the session does not exist.
func (e *Engine) Snapshot(sessionID string) *domain.TestSession {
	ent := e.get(sessionID)
	if ent == nil {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	cp := *ent.session
	return &cp
}

// Len reports the number of tracked sessions (tests, diagnostics).
func (e *Engine) Len() int {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	return len(e.sessions)
}

// SetSinkRetryIntervals overrides the default backoff schedule used by
// retrySink; exposed for tests that need the retry loop to run quickly.
func (e *Engine) SetSinkRetryIntervals(intervals []time.Duration) {
	e.sinkRetryIntervals = intervals
}
