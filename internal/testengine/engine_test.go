package testengine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/typeclash/internal/collab"
	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/domain"
	"github.com/ashureev/typeclash/internal/room"
	"github.com/ashureev/typeclash/internal/wsproto"
)

type fakeWordSource struct {
	tokens []string
	err    error
}

func (f *fakeWordSource) Fetch(ctx context.Context, req collab.WordRequest) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if req.Count <= len(f.tokens) {
		return f.tokens[:req.Count], nil
	}
	return f.tokens, nil
}

type fakeSink struct {
	mu      sync.Mutex
	calls   int
	failN   int // fail the first N calls
	records []collab.TestResult
}

func (f *fakeSink) RecordTest(ctx context.Context, result collab.TestResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return fmt.Errorf("sink unavailable")
	}
	f.records = append(f.records, result)
	return nil
}

func (f *fakeSink) RecordRace(ctx context.Context, result collab.RaceResult) error {
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	room string
	msg  room.Message
}

func (f *fakePublisher) Publish(name string, msg room.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{room: name, msg: msg})
}

func (f *fakePublisher) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.msg.Event
	}
	return out
}

func testConfig() (config.TestConfig, config.TimeoutConfig) {
	return config.TestConfig{
			SessionTTL:                time.Minute,
			KeystrokeLogCap:           10000,
			StatsBroadcastMinInterval: 0,
			EvictionDelay:             30 * time.Second,
		}, config.TimeoutConfig{
			Send:       time.Second,
			WordFetch:  time.Second,
			ResultSink: time.Second,
		}
}

func wordsOf(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "cat"
	}
	return out
}

func TestStart_CreatesSessionAndPublishesJoined(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(50)}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	e := New(words, sink, pub, tcfg, tocfg)

	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, time.Now())

	require.NoError(t, err)
	assert.Equal(t, domain.TestCreated, session.Status)
	assert.Contains(t, pub.events(), wsproto.EventTestJoined)
}

func TestStart_WordSourceFailureYieldsNoWordLists(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{err: fmt.Errorf("boom")}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	_, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, time.Now())

	assert.ErrorIs(t, err, ErrNoWordLists)
}

func TestKeystroke_FirstKeystrokeTransitionsToRunning(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(10)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, now)
	require.NoError(t, err)

	firstChar, _ := session.Reference.At(0)
	err = e.Keystroke(context.Background(), "conn-1", wsproto.TestKeystrokePayload{
		TestID: session.ID, Key: string(firstChar), Position: 0,
	}, now.Add(time.Millisecond))
	require.NoError(t, err)

	got := e.Snapshot(session.ID)
	assert.Equal(t, domain.TestRunning, got.Status)
	assert.Len(t, got.Keystrokes, 1)
	assert.True(t, got.Keystrokes[0].Correct)
}

func TestKeystroke_WrongOwnerConnectionRejected(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(10)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, time.Now())
	require.NoError(t, err)

	err = e.Keystroke(context.Background(), "conn-2", wsproto.TestKeystrokePayload{
		TestID: session.ID, Key: "x", Position: 0,
	}, time.Now())
	assert.ErrorIs(t, err, ErrWrongOwner)
}

func TestKeystroke_MultiRuneKeyRejected(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(10)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, time.Now())
	require.NoError(t, err)

	err = e.Keystroke(context.Background(), "conn-1", wsproto.TestKeystrokePayload{
		TestID: session.ID, Key: "ab", Position: 0,
	}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeystroke_ServerTruthOverridesClientClaim(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: []string{"cat"}}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 1,
	}, time.Now())
	require.NoError(t, err)

	// Reference text is "cat"; type 'z' but claim correct=true.
	err = e.Keystroke(context.Background(), "conn-1", wsproto.TestKeystrokePayload{
		TestID: session.ID, Key: "z", Position: 0, Correct: true,
	}, time.Now())
	require.NoError(t, err)

	got := e.Snapshot(session.ID)
	assert.False(t, got.Keystrokes[0].Correct)
}

func TestKeystroke_WordsModeCompletesAtReferenceEnd(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: []string{"ab"}}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	e := New(words, sink, pub, tcfg, tocfg)

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 1,
	}, now)
	require.NoError(t, err)

	for i, r := range []rune(session.Reference.Joined) {
		err := e.Keystroke(context.Background(), "conn-1", wsproto.TestKeystrokePayload{
			TestID: session.ID, Key: string(r), Position: i,
		}, now.Add(time.Duration(i+1)*time.Millisecond))
		require.NoError(t, err)
	}

	got := e.Snapshot(session.ID)
	assert.Equal(t, domain.TestCompleted, got.Status)
	assert.Contains(t, pub.events(), wsproto.EventTestResult)
}

func TestCompleted_ExplicitEventForcesCompletion(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(50)}
	pub := &fakePublisher{}
	e := New(words, &fakeSink{}, pub, tcfg, tocfg)

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "time", Duration: 15,
	}, now)
	require.NoError(t, err)

	err = e.Completed(context.Background(), "conn-1", wsproto.TestCompletedPayload{TestID: session.ID}, now.Add(time.Second))
	require.NoError(t, err)

	got := e.Snapshot(session.ID)
	assert.Equal(t, domain.TestCompleted, got.Status)
}

func TestComplete_SinkFailureMarksUnsunkButStillEmitsResult(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(50)}
	sink := &fakeSink{failN: 10}
	pub := &fakePublisher{}
	e := New(words, sink, pub, tcfg, tocfg)
	e.SetSinkRetryIntervals([]time.Duration{time.Millisecond})

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "time", Duration: 15,
	}, now)
	require.NoError(t, err)

	err = e.Completed(context.Background(), "conn-1", wsproto.TestCompletedPayload{TestID: session.ID}, now.Add(time.Second))
	require.NoError(t, err)

	assert.Contains(t, pub.events(), wsproto.EventTestResult)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, m := range pub.messages {
		if m.msg.Event == wsproto.EventTestResult {
			env := m.msg.Payload.(wsproto.OutboundEnvelope)
			assert.True(t, env.Payload.(wsproto.TestResultPayload).Unsunk)
		}
	}
}

func TestLeave_RemovesSessionImmediately(t *testing.T) {
	tcfg, tocfg := testConfig()
	words := &fakeWordSource{tokens: wordsOf(10)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, time.Now())
	require.NoError(t, err)

	err = e.Leave("conn-1", session.ID)
	require.NoError(t, err)
	assert.Nil(t, e.Snapshot(session.ID))
}

func TestHousekeep_ExpiresStaleSessions(t *testing.T) {
	tcfg, tocfg := testConfig()
	tcfg.SessionTTL = 10 * time.Millisecond
	words := &fakeWordSource{tokens: wordsOf(10)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "words", WordCount: 10,
	}, now)
	require.NoError(t, err)

	e.Housekeep(now.Add(20 * time.Millisecond))

	got := e.Snapshot(session.ID)
	require.NotNil(t, got)
	assert.Equal(t, domain.TestExpired, got.Status)
}

func TestHousekeep_EvictsCompletedSessionsAfterDelay(t *testing.T) {
	tcfg, tocfg := testConfig()
	tcfg.EvictionDelay = 10 * time.Millisecond
	words := &fakeWordSource{tokens: wordsOf(2)}
	e := New(words, &fakeSink{}, &fakePublisher{}, tcfg, tocfg)

	now := time.Now()
	session, err := e.Start(context.Background(), "conn-1", domain.Identity{ID: "alice"}, wsproto.TestStartPayload{
		Mode: "time", Duration: 15,
	}, now)
	require.NoError(t, err)

	require.NoError(t, e.Completed(context.Background(), "conn-1", wsproto.TestCompletedPayload{TestID: session.ID}, now))

	e.Housekeep(now.Add(20 * time.Millisecond))
	assert.Nil(t, e.Snapshot(session.ID))
}
