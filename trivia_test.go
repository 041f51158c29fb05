package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		canvasWidth:   1000,
		canvasHeight:  1000,
		questionCount: 5,
	}
}

// stubSource pops one result per fetch; the final result is sticky.
type stubSource struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	questions []Question
	err       error
}

func (s *stubSource) fetch(_ context.Context, _ int) ([]Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.results) == 0 {
		return nil, fmt.Errorf("no stubbed result")
	}

	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res.questions, res.err
}

func (s *stubSource) fetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func stubQuestion(text string, correctIndex int) Question {
	answers := []string{"a0", "a1", "a2", "a3"}
	return Question{Text: text, Answers: answers, Correct: answers[correctIndex]}
}

func newTestManager(src questionSource) *RoomManager {
	return newRoomManager(testConfig(), newSessionRegistry(), src, nil)
}

func joinRoom(rm *RoomManager, connID, username, room string) *Client {
	c := &Client{send: make(chan any, 256), connID: connID}
	rm.sessions.register(connID, username)
	rm.dispatch(c, clientMessage{Type: "join_room", Room: room})
	return c
}

func sendReady(rm *RoomManager, c *Client) {
	rm.dispatch(c, clientMessage{Type: "player_ready"})
}

func sendMove(rm *RoomManager, c *Client, x, y float64) {
	rm.dispatch(c, clientMessage{Type: "move", X: &x, Y: &y})
}

func sendAnswer(rm *RoomManager, c *Client, x, y float64) {
	rm.dispatch(c, clientMessage{Type: "submit_answer", X: &x, Y: &y})
}

// awaitMatch reads messages from the client's send channel until one of
// type T satisfies the predicate; other messages are skipped.
func awaitMatch[T any](t *testing.T, c *Client, match func(T) bool) T {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %T", *new(T))
			}
			if v, ok := m.(T); ok && match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

func awaitMessage[T any](t *testing.T, c *Client) T {
	t.Helper()
	return awaitMatch(t, c, func(T) bool { return true })
}

// assertNoMessage drains the client's send channel for the given window
// and fails if a message of type T shows up.
func assertNoMessage[T any](t *testing.T, c *Client, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return
			}
			if _, bad := m.(T); bad {
				t.Fatalf("unexpected message %#v", m)
			}
		case <-deadline:
			return
		}
	}
}

func scoreOf(msg ScoresMessage, username string) (int, bool) {
	for _, e := range msg.Scores {
		if e.Username == username {
			return e.Score, true
		}
	}
	return 0, false
}

func TestRoomCreatedOnJoinDeletedOnLastLeave(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	awaitMessage[LobbyMessage](t, c1)

	_, ok := rm.get("R1")
	require.True(t, ok, "room should exist after first join")

	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c2, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	rm.disconnect(c1)
	awaitMatch(t, c2, func(m LobbyMessage) bool { return len(m.Players) == 1 })

	_, ok = rm.get("R1")
	require.True(t, ok, "room should survive while it has members")

	_, ok = rm.sessions.get("c1")
	require.False(t, ok, "session should be gone after disconnect")

	rm.disconnect(c2)
	require.Eventually(t, func() bool {
		_, ok := rm.get("R1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "room should be deleted after last leave")
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	awaitMessage[LobbyMessage](t, c1)

	rm.dispatch(c1, clientMessage{Type: "join_room", Room: "R2"})

	require.Eventually(t, func() bool {
		_, ok := rm.get("R1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "emptied room should be deleted")

	_, ok := rm.get("R2")
	require.True(t, ok)

	s, ok := rm.sessions.get("c1")
	require.True(t, ok)
	require.Equal(t, "R2", s.currentRoom())
}

func TestRoomSwitchKeepsClientConnected(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	awaitMessage[LobbyMessage](t, c1)

	// Leaving R1 for R2 must not close the client's send channel; the
	// client keeps receiving broadcasts in the new room.
	rm.dispatch(c1, clientMessage{Type: "join_room", Room: "R2"})

	c2 := joinRoom(rm, "c2", "bob", "R2")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })
	awaitMatch(t, c2, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendMove(rm, c2, 10, 20)
	moved := awaitMessage[MovedMessage](t, c1)
	require.Equal(t, "c2", moved.ID)
}

func TestJoinRacingTeardownLandsInLiveRoom(t *testing.T) {
	rm := newTestManager(&stubSource{})

	// Each disconnect empties the room and tears it down while the next
	// join is already in flight for the same name; every joiner must
	// still land in a live room and hear the lobby broadcast.
	for i := 0; i < 25; i++ {
		c := joinRoom(rm, fmt.Sprintf("c%d", i), "alice", "R1")
		awaitMatch(t, c, func(m LobbyMessage) bool { return len(m.Players) == 1 })
		rm.disconnect(c)
	}
}

func TestEnqueueReportsTornDownRoom(t *testing.T) {
	r := newRoom("R1", testConfig(), newSessionRegistry(), &stubSource{}, nil)
	close(r.quit)

	require.False(t, r.enqueue(joinEvent{}))
}

func TestQuorumStartsMatchOnce(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("q1", 0)}},
	}}
	rm := newTestManager(src)

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	c3 := joinRoom(rm, "c3", "carol", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 3 })

	sendReady(rm, c1)
	assertNoMessage[StartMessage](t, c1, 150*time.Millisecond)
	require.Zero(t, src.fetchCalls(), "no fetch below quorum")

	sendReady(rm, c2)
	awaitMessage[StartMessage](t, c1)

	q := awaitMessage[QuestionMessage](t, c2)
	require.Equal(t, "q1", q.Question)
	require.Len(t, q.Answers, 4)

	// Repeated ready signals after the start must not restart the match
	// or re-fetch questions.
	sendReady(rm, c3)
	sendReady(rm, c1)
	assertNoMessage[StartMessage](t, c3, 150*time.Millisecond)
	require.Equal(t, 1, src.fetchCalls())
}

func TestAnswerScoringAndRoundAdvancement(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("q1", 2), stubQuestion("q2", 1)}},
	}}
	rm := newTestManager(src)

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendReady(rm, c1)
	sendReady(rm, c2)
	awaitMatch(t, c1, func(m QuestionMessage) bool { return m.Question == "q1" })

	// Correct answer is index 2: bottom-left quadrant of a 1000x1000
	// canvas, x in [0,400], y in [600,1000].
	sendAnswer(rm, c1, 100, 900)
	scores := awaitMessage[ScoresMessage](t, c1)
	got, ok := scoreOf(scores, "alice")
	require.True(t, ok)
	require.Equal(t, answerAward, got)

	// A miss marks the player as answered without changing the score,
	// and completes the gate: the next question goes out with reset
	// flags.
	sendAnswer(rm, c2, 500, 100)
	scores = awaitMatch(t, c2, func(m ScoresMessage) bool {
		s, ok := scoreOf(m, "bob")
		return ok && s == 0
	})
	require.Equal(t, "alice", scores.Scores[0].Username, "scoreboard sorted descending")

	awaitMatch(t, c1, func(m QuestionMessage) bool { return m.Question == "q2" })
}

func TestRepeatedSubmissionsEvaluatedIndependently(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("q1", 0)}},
	}}
	rm := newTestManager(src)

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendReady(rm, c1)
	sendReady(rm, c2)
	awaitMessage[QuestionMessage](t, c1)

	// Index 0: top-left quadrant. Two hits award twice; bob never
	// answers, so the gate stays open and the zone stays active.
	sendAnswer(rm, c1, 100, 100)
	sendAnswer(rm, c1, 200, 200)

	awaitMatch(t, c1, func(m ScoresMessage) bool {
		s, ok := scoreOf(m, "alice")
		return ok && s == 2*answerAward
	})
}

func TestWinnerIsFirstMaximumInJoinOrder(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("q1", 0)}},
	}}
	rm := newTestManager(src)

	cA := joinRoom(rm, "cA", "A", "R1")
	cB := joinRoom(rm, "cB", "B", "R1")
	cC := joinRoom(rm, "cC", "C", "R1")
	awaitMatch(t, cA, func(m LobbyMessage) bool { return len(m.Players) == 3 })

	sendReady(rm, cA)
	sendReady(rm, cB)
	sendReady(rm, cC)
	awaitMessage[QuestionMessage](t, cA)

	for c, score := range map[*Client]int{cA: 300, cB: 450, cC: 450} {
		s := score
		rm.dispatch(c, clientMessage{Type: "update_score", Score: &s})
	}

	scores := awaitMatch(t, cA, func(m ScoresMessage) bool {
		a, _ := scoreOf(m, "A")
		b, _ := scoreOf(m, "B")
		c, _ := scoreOf(m, "C")
		return a == 300 && b == 450 && c == 450
	})
	require.Equal(t, "B", scores.Scores[0].Username, "stable sort keeps join order among ties")

	// Everyone misses; the queue is empty, so the match ends. B holds
	// the first maximum in iteration order.
	sendAnswer(rm, cA, 999, 999)
	sendAnswer(rm, cB, 999, 999)
	sendAnswer(rm, cC, 999, 999)

	over := awaitMessage[GameOverMessage](t, cA)
	require.Equal(t, "B", over.Winner)
	require.Equal(t, 450, over.Score)
}

func TestMoveBroadcastIncludesSender(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendMove(rm, c1, 50, 60)

	for _, c := range []*Client{c1, c2} {
		moved := awaitMessage[MovedMessage](t, c)
		require.Equal(t, "c1", moved.ID)
		require.Equal(t, "alice", moved.Username)
		require.Equal(t, 50.0, moved.X)
		require.Equal(t, 60.0, moved.Y)
	}
}

func TestPushDisplacesOnlyPlayersInRange(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	c3 := joinRoom(rm, "c3", "carol", "R1")
	c4 := joinRoom(rm, "c4", "dave", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 4 })

	sendMove(rm, c2, 100, 0) // within push radius
	sendMove(rm, c3, 0, 0)   // at the push origin
	sendMove(rm, c4, 500, 0) // out of range

	x, y := 0.0, 0.0
	rm.dispatch(c1, clientMessage{Type: "player_push", X: &x, Y: &y})

	// Skip the join-time snapshot; the push result carries all three
	// known positions.
	snapshot := awaitMatch(t, c1, func(m PositionsMessage) bool { return len(m.Players) == 3 })

	require.InDelta(t, 100+pushDisplacement(100), snapshot.Players["c2"].X, 1e-9)
	require.Zero(t, snapshot.Players["c2"].Y)
	require.Equal(t, position{X: 0, Y: 0}, snapshot.Players["c3"], "origin player unaffected")
	require.Equal(t, position{X: 500, Y: 0}, snapshot.Players["c4"], "distant player unaffected")
}

func TestSyncPositionsOverwritesMembersOnly(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	rm.dispatch(c1, clientMessage{Type: "sync_positions", Players: map[string]position{
		"c1":    {X: 1, Y: 2},
		"c2":    {X: 3, Y: 4},
		"ghost": {X: 9, Y: 9},
	}})

	snapshot := awaitMatch(t, c2, func(m PositionsMessage) bool { return len(m.Players) == 2 })
	require.Equal(t, position{X: 1, Y: 2}, snapshot.Players["c1"])
	require.Equal(t, position{X: 3, Y: 4}, snapshot.Players["c2"])
	require.NotContains(t, snapshot.Players, "ghost")
}

func TestAdapterFailureKeepsLobbyAndRetries(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{err: fmt.Errorf("provider down")},
		{questions: []Question{stubQuestion("q1", 0)}},
	}}
	rm := newTestManager(src)

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendReady(rm, c1)
	sendReady(rm, c2)
	assertNoMessage[StartMessage](t, c1, 150*time.Millisecond)

	require.Eventually(t, func() bool {
		return src.fetchCalls() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := rm.get("R1")
	require.True(t, ok, "room should survive an adapter failure")

	// Ready flags are preserved; any later ready signal retries the
	// fetch.
	sendReady(rm, c1)
	awaitMessage[StartMessage](t, c2)
	require.Equal(t, 2, src.fetchCalls())
}

func TestLeaveDuringRoundCompletesGate(t *testing.T) {
	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("q1", 0)}},
	}}
	rm := newTestManager(src)

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendReady(rm, c1)
	sendReady(rm, c2)
	awaitMessage[QuestionMessage](t, c1)

	sendAnswer(rm, c1, 100, 100)
	rm.disconnect(c2)

	over := awaitMessage[GameOverMessage](t, c1)
	require.Equal(t, "alice", over.Winner)
	require.Equal(t, answerAward, over.Score)
}

func TestEndToEndTwoPlayerMatch(t *testing.T) {
	type received struct {
		update statUpdate
	}
	statCh := make(chan received, 4)

	statsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var u statUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		statCh <- received{update: u}
	}))
	defer statsSrv.Close()

	src := &stubSource{results: []fetchResult{
		{questions: []Question{stubQuestion("capital of nowhere", 2)}},
	}}

	cfg := testConfig()
	cfg.statsURL = statsSrv.URL
	rm := newRoomManager(cfg, newSessionRegistry(), src, newStatsReporter(cfg))

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendReady(rm, c1)
	sendReady(rm, c2)

	awaitMessage[StartMessage](t, c1)
	q := awaitMessage[QuestionMessage](t, c2)
	require.Equal(t, "capital of nowhere", q.Question)

	// Correct answer sits at index 2, so the active zone is the
	// bottom-left quadrant. Both players answer inside it.
	sendAnswer(rm, c1, 200, 800)
	sendAnswer(rm, c2, 350, 950)

	for _, c := range []*Client{c1, c2} {
		over := awaitMessage[GameOverMessage](t, c)
		require.Equal(t, "alice", over.Winner, "tie resolves to the first player in join order")
		require.Equal(t, answerAward, over.Score)
	}

	got := map[string]statUpdate{}
	for n := 0; n < 2; n++ {
		select {
		case r := <-statCh:
			got[r.update.Username] = r.update
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stat updates, got %d", len(got))
		}
	}

	require.Equal(t, statUpdate{Username: "alice", CorrectCount: 1, FinalScore: 200, DidWin: true}, got["alice"])
	require.Equal(t, statUpdate{Username: "bob", CorrectCount: 1, FinalScore: 200, DidWin: false}, got["bob"])
}

func TestAnswerWithoutActiveZoneIgnored(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	sendAnswer(rm, c1, 100, 100)
	assertNoMessage[ScoresMessage](t, c2, 150*time.Millisecond)
}

func TestMalformedEventsDropped(t *testing.T) {
	rm := newTestManager(&stubSource{})

	c1 := joinRoom(rm, "c1", "alice", "R1")
	c2 := joinRoom(rm, "c2", "bob", "R1")
	awaitMatch(t, c1, func(m LobbyMessage) bool { return len(m.Players) == 2 })

	// Required fields absent: no broadcast, no fault.
	rm.dispatch(c1, clientMessage{Type: "move", X: nil, Y: nil})
	rm.dispatch(c1, clientMessage{Type: "submit_answer"})
	rm.dispatch(c1, clientMessage{Type: "update_score"})
	rm.dispatch(c1, clientMessage{Type: "sync_positions"})
	rm.dispatch(c1, clientMessage{Type: "join_room"})

	assertNoMessage[MovedMessage](t, c2, 150*time.Millisecond)
}
