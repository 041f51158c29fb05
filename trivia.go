// Quizbox Trivia Game
//
// Players join a named room and steer an avatar around a shared canvas.
// Each multiple-choice question maps its four answers onto the canvas
// quadrants; players answer by submitting a point inside the quadrant they
// believe is correct. Scores and avatar positions are broadcast to the
// whole room in real time.
//
// Features:
// - WebSockets per room: /play/:room and /play/:room/ws
// - First join to an unseen room name creates it; last leave deletes it
// - Match starts once at least half the room has pressed Ready
// - Questions come from an external HTTP source, or a built-in set
// - Correct answers are worth a fixed 200 points
// - Rounds advance once every current member has answered
// - Radial "push" lets players shove nearby avatars away
// - Players identified by per-connection ids; usernames via cookie
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share the current room, backed by go-qrcode
//
// All state for one room is owned by a single goroutine; every inbound
// event for that room funnels through its inbox channel, so two answers
// racing on the advancement gate, or a push racing a move, are serialized.
// Cross-room traffic never contends.

package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type phase int

const (
	phaseLobby phase = iota
	phaseInProgress
	phaseFinished
)

// playerRecord is the room-scoped copy of one member's match state. While
// a match is running this copy is authoritative; the session mirrors it
// for cross-room lookups.
type playerRecord struct {
	connID   string
	username string
	score    int
	correct  int
	ready    bool
	answered bool
}

// Client is one websocket connection's write side. The mutex guards the
// send channel's closed state: during a room switch two room actors can
// hold the same client at once, so a close must never race a send.
type Client struct {
	conn   *websocket.Conn
	connID string

	mu     sync.Mutex
	send   chan any
	closed bool
}

// trySend queues a message without blocking, reporting false if the
// client is closed or its buffer is full.
func (c *Client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, ending the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

// Events delivered into a room's inbox.
type joinEvent struct {
	client *Client
}

// leaveEvent removes a member. disconnecting marks the underlying
// connection as gone for good, as opposed to leaving for another room;
// only a disconnect may close the client's send channel.
type leaveEvent struct {
	client        *Client
	disconnecting bool
}

type clientEvent struct {
	client *Client
	msg    clientMessage
}

type questionsLoaded struct {
	questions []Question
	err       error
}

type reapCheck struct {
	cutoff time.Time
}

// Room owns all state for one match: member records, the question queue,
// the active answer zone, and the connected clients. Only its run loop
// touches any of it.
type Room struct {
	name  string
	inbox chan any
	quit  chan struct{}

	cfg      *Config
	sessions *sessionRegistry
	source   questionSource
	stats    *statsReporter

	clients  map[*Client]bool
	players  []*playerRecord
	queue    []Question
	zone     *rect
	phase    phase
	fetching bool

	lastActive time.Time
	onEmpty    func(name string)
	rejoin     func(c *Client, name string)
}

func newRoom(name string, cfg *Config, sessions *sessionRegistry, source questionSource, stats *statsReporter) *Room {
	return &Room{
		name:       name,
		inbox:      make(chan any, 256),
		quit:       make(chan struct{}),
		cfg:        cfg,
		sessions:   sessions,
		source:     source,
		stats:      stats,
		clients:    make(map[*Client]bool),
		lastActive: time.Now(),
	}
}

// enqueue delivers an event into the room's inbox. It reports false if
// the room has already been torn down, in which case the event was not
// delivered and the caller must reroute it.
func (r *Room) enqueue(ev any) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Room) run() {
	for {
		select {
		case <-r.quit:
			r.flushInbox()
			return
		case ev := <-r.inbox:
			// Teardown happens inside handleEvent, so an event that
			// was already queued behind it must not be handled here.
			select {
			case <-r.quit:
				r.salvage(ev)
				r.flushInbox()
				return
			default:
			}
			r.handleEvent(ev)
		}
	}
}

// flushInbox reroutes events that were queued behind the room's own
// teardown.
func (r *Room) flushInbox() {
	for {
		select {
		case ev := <-r.inbox:
			r.salvage(ev)
		default:
			return
		}
	}
}

// salvage redirects an event stranded in a dead room: joins are
// redelivered through the manager so the joiner lands in a live room,
// and disconnect leaves still release the client.
func (r *Room) salvage(ev any) {
	switch e := ev.(type) {
	case joinEvent:
		if r.rejoin != nil {
			r.rejoin(e.client, r.name)
		}
	case leaveEvent:
		if e.disconnecting {
			e.client.closeSend()
		}
	}
}

func (r *Room) handleEvent(ev any) {
	switch e := ev.(type) {
	case joinEvent:
		r.lastActive = time.Now()
		r.handleJoin(e.client)
	case leaveEvent:
		r.lastActive = time.Now()
		r.handleLeave(e.client, e.disconnecting)
	case clientEvent:
		r.lastActive = time.Now()
		r.handleClientEvent(e.client, e.msg)
	case questionsLoaded:
		r.handleQuestionsLoaded(e)
	case reapCheck:
		r.handleReapCheck(e.cutoff)
	}
}

func (r *Room) handleClientEvent(c *Client, msg clientMessage) {
	switch msg.Type {
	case "player_ready":
		r.handleReady(c)
	case "move":
		r.handleMove(c, *msg.X, *msg.Y)
	case "player_push":
		r.handlePush(c, *msg.X, *msg.Y)
	case "sync_positions":
		r.handleSync(msg.Players)
	case "submit_answer":
		r.handleAnswer(c, *msg.X, *msg.Y)
	case "update_score":
		r.handleScore(c, *msg.Score)
	}
}

func (r *Room) findPlayer(connID string) *playerRecord {
	for _, p := range r.players {
		if p.connID == connID {
			return p
		}
	}
	return nil
}

func (r *Room) handleJoin(c *Client) {
	s, ok := r.sessions.get(c.connID)
	if !ok {
		return
	}

	r.clients[c] = true
	s.setRoom(r.name)

	if r.findPlayer(c.connID) == nil {
		r.players = append(r.players, &playerRecord{
			connID:   c.connID,
			username: s.Username,
		})
		logf(r.cfg, "GAMES: Player %q joined %s", s.Username, r.name)
	}

	r.broadcastLobby()

	// Catch the newcomer up on where everyone already is.
	c.trySend(r.positionsSnapshot())
}

func (r *Room) handleLeave(c *Client, disconnecting bool) {
	delete(r.clients, c)
	if disconnecting {
		c.closeSend()
	}

	removed := false
	dst := r.players[:0]
	for _, p := range r.players {
		if p.connID == c.connID {
			removed = true
			continue
		}
		dst = append(dst, p)
	}
	r.players = dst

	if s, ok := r.sessions.get(c.connID); ok {
		s.clearRoom(r.name)
	}

	if len(r.players) == 0 {
		if r.onEmpty != nil {
			r.onEmpty(r.name)
		}
		return
	}

	if !removed {
		return
	}

	r.broadcastLobby()

	// A departure during a round counts as an implicit answer, so one
	// disconnect cannot stall the advancement gate forever.
	if r.phase == phaseInProgress {
		r.advanceIfAllAnswered()
	}
}

func (r *Room) handleReady(c *Client) {
	p := r.findPlayer(c.connID)
	if p == nil {
		return
	}

	p.ready = true

	r.broadcastLobby()
	r.maybeStart()
}

// maybeStart begins the match once the ready quorum is reached. Starting
// is idempotent: once the room leaves the lobby, further ready signals do
// nothing.
func (r *Room) maybeStart() {
	if r.phase != phaseLobby || r.fetching {
		return
	}

	total := len(r.players)
	if total == 0 {
		return
	}

	ready := 0
	for _, p := range r.players {
		if p.ready {
			ready++
		}
	}

	if float64(ready)/float64(total) < quorumRatio {
		return
	}

	if len(r.queue) == 0 {
		r.fetching = true
		go func() {
			questions, err := r.source.fetch(context.Background(), r.cfg.questionCount)
			r.enqueue(questionsLoaded{questions: questions, err: err})
		}()
		return
	}

	r.start()
}

// handleQuestionsLoaded resolves an in-flight fetch. On failure the room
// stays in the lobby with ready flags intact, so any later ready signal
// retries the fetch.
func (r *Room) handleQuestionsLoaded(e questionsLoaded) {
	r.fetching = false

	if e.err != nil || len(e.questions) == 0 {
		logf(r.cfg, "GAMES: Question fetch for %s failed: %v", r.name, e.err)
		return
	}

	r.queue = e.questions
	r.maybeStart()
}

func (r *Room) start() {
	r.phase = phaseInProgress
	logf(r.cfg, "GAMES: Match started in %s with %d players", r.name, len(r.players))

	r.broadcast(StartMessage{Type: "start_game"})
	r.nextQuestion()
}

// nextQuestion pops the queue head, derives the answer zone from the
// correct answer's position in the answer list, and broadcasts the
// question without its solution.
func (r *Room) nextQuestion() {
	q := r.queue[0]
	r.queue = r.queue[1:]

	zone := answerZone(q.correctIndex(), r.cfg.canvasWidth, r.cfg.canvasHeight)
	r.zone = &zone

	r.broadcast(QuestionMessage{
		Type:     "next_question",
		Question: q.Text,
		Answers:  q.Answers,
	})
}

func (r *Room) handleAnswer(c *Client, x, y float64) {
	if r.zone == nil {
		return
	}

	p := r.findPlayer(c.connID)
	if p == nil {
		return
	}

	if r.zone.contains(x, y) {
		p.score += answerAward
		p.correct++
	}
	p.answered = true

	r.broadcastScores()
	r.advanceIfAllAnswered()
}

// advanceIfAllAnswered is the round gate: once every current member has
// answered, flags reset and either the next question goes out or the
// match ends.
func (r *Room) advanceIfAllAnswered() {
	if r.phase != phaseInProgress {
		return
	}

	for _, p := range r.players {
		if !p.answered {
			return
		}
	}

	for _, p := range r.players {
		p.answered = false
	}

	if len(r.queue) > 0 {
		r.nextQuestion()
		return
	}

	r.finish()
}

// finish declares the winner: the highest score, ties broken by join
// order, which the players slice preserves.
func (r *Room) finish() {
	r.phase = phaseFinished
	r.zone = nil

	winner := r.players[0]
	for _, p := range r.players[1:] {
		if p.score > winner.score {
			winner = p
		}
	}

	logf(r.cfg, "GAMES: Match in %s won by %q with %d points", r.name, winner.username, winner.score)

	r.broadcast(GameOverMessage{
		Type:   "game_over",
		Winner: winner.username,
		Score:  winner.score,
	})

	updates := make([]statUpdate, 0, len(r.players))
	for _, p := range r.players {
		updates = append(updates, statUpdate{
			Username:     p.username,
			CorrectCount: p.correct,
			FinalScore:   p.score,
			DidWin:       p == winner,
		})
	}
	r.stats.report(r.cfg, updates)
}

func (r *Room) handleMove(c *Client, x, y float64) {
	s, ok := r.sessions.get(c.connID)
	if !ok {
		return
	}

	r.sessions.updatePosition(c.connID, x, y)

	r.broadcast(MovedMessage{
		Type:     "player_moved",
		ID:       c.connID,
		Username: s.Username,
		X:        x,
		Y:        y,
	})
}

func (r *Room) handlePush(c *Client, x, y float64) {
	for _, p := range r.players {
		if p.connID == c.connID {
			continue
		}

		s, ok := r.sessions.get(p.connID)
		if !ok {
			continue
		}

		pos, ok := s.currentPosition()
		if !ok {
			continue
		}

		pushed := pushFrom(x, y, pos)
		s.setPosition(pushed.X, pushed.Y)
	}

	r.broadcast(r.positionsSnapshot())
}

// handleSync bulk-overwrites member positions from a client snapshot.
// This path trusts the client; it exists to reconcile drift, not to
// validate it.
func (r *Room) handleSync(players map[string]position) {
	for id, pos := range players {
		if r.findPlayer(id) == nil {
			continue
		}
		r.sessions.updatePosition(id, pos.X, pos.Y)
	}

	r.broadcast(r.positionsSnapshot())
}

func (r *Room) handleScore(c *Client, score int) {
	p := r.findPlayer(c.connID)
	if p == nil {
		return
	}

	p.score = score

	r.broadcastScores()
}

func (r *Room) handleReapCheck(cutoff time.Time) {
	if r.lastActive.After(cutoff) {
		return
	}

	for c := range r.clients {
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(r.clients, c)
	}

	for _, p := range r.players {
		if s, ok := r.sessions.get(p.connID); ok {
			s.clearRoom(r.name)
		}
	}
	r.players = nil

	logf(r.cfg, "GAMES: Reaped idle room %s", r.name)

	if r.onEmpty != nil {
		r.onEmpty(r.name)
	}
}

func (r *Room) positionsSnapshot() PositionsMessage {
	players := make(map[string]position, len(r.players))
	for _, p := range r.players {
		s, ok := r.sessions.get(p.connID)
		if !ok {
			continue
		}
		pos, ok := s.currentPosition()
		if !ok {
			continue
		}
		players[p.connID] = pos
	}

	return PositionsMessage{
		Type:    "update_positions",
		Players: players,
	}
}

func (r *Room) broadcastLobby() {
	players := make([]LobbyPlayer, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, LobbyPlayer{
			Username: p.username,
			Ready:    p.ready,
		})
	}

	r.broadcast(LobbyMessage{
		Type:    "update_lobby",
		Players: players,
	})
}

func (r *Room) broadcastScores() {
	scores := make([]ScoreEntry, 0, len(r.players))
	for _, p := range r.players {
		scores = append(scores, ScoreEntry{
			Username: p.username,
			Score:    p.score,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	r.broadcast(ScoresMessage{
		Type:   "update_player_scores",
		Scores: scores,
	})
}

// broadcast delivers a message to every connected client in the room. A
// recipient whose send buffer is full, or whose connection is already
// gone, is dropped so it cannot hold up the rest of the room.
func (r *Room) broadcast(msg any) {
	for c := range r.clients {
		if !c.trySend(msg) {
			delete(r.clients, c)
			c.closeSend()
		}
	}
}

// RoomManager holds the set of live rooms, keyed by room name. Rooms are
// created on first join and removed when their last member leaves.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	cfg      *Config
	sessions *sessionRegistry
	source   questionSource
	stats    *statsReporter
}

func newRoomManager(cfg *Config, sessions *sessionRegistry, source questionSource, stats *statsReporter) *RoomManager {
	rm := &RoomManager{
		rooms:    make(map[string]*Room),
		cfg:      cfg,
		sessions: sessions,
		source:   source,
		stats:    stats,
	}
	if cfg.sessionTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getOrCreate(name string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if r, ok := rm.rooms[name]; ok {
		return r
	}

	r := newRoom(name, rm.cfg, rm.sessions, rm.source, rm.stats)
	r.onEmpty = func(n string) {
		rm.remove(n)
	}
	r.rejoin = rm.joinRoom
	rm.rooms[name] = r
	go r.run()
	return r
}

// joinRoom delivers a join into a live room, retrying when the target
// tears itself down between lookup and delivery.
func (rm *RoomManager) joinRoom(c *Client, name string) {
	for {
		if rm.getOrCreate(name).enqueue(joinEvent{client: c}) {
			return
		}
	}
}

func (rm *RoomManager) get(name string) (*Room, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	r, ok := rm.rooms[name]
	return r, ok
}

func (rm *RoomManager) remove(name string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if r, ok := rm.rooms[name]; ok {
		close(r.quit)
		delete(rm.rooms, name)
	}
}

// dispatch routes one inbound event against the client's session. Events
// referring to a room or session that no longer exists, or missing a
// required field, are dropped without a reply.
func (rm *RoomManager) dispatch(c *Client, msg clientMessage) {
	switch msg.Type {
	case "join_room":
		if msg.Room == "" {
			return
		}

		s, ok := rm.sessions.get(c.connID)
		if !ok {
			return
		}

		current := s.currentRoom()
		if current == msg.Room {
			return
		}

		if current != "" {
			if prev, ok := rm.get(current); ok {
				prev.enqueue(leaveEvent{client: c})
			}
		}

		rm.joinRoom(c, msg.Room)

	case "player_ready", "move", "player_push", "sync_positions", "submit_answer", "update_score":
		if !validEvent(msg) {
			return
		}

		s, ok := rm.sessions.get(c.connID)
		if !ok {
			return
		}

		room := s.currentRoom()
		if room == "" {
			return
		}

		if r, ok := rm.get(room); ok {
			r.enqueue(clientEvent{client: c, msg: msg})
		}
	}
}

// validEvent checks that the required fields for an event type are
// present, so room handlers can dereference them without guards.
func validEvent(msg clientMessage) bool {
	switch msg.Type {
	case "move", "player_push", "submit_answer":
		return msg.X != nil && msg.Y != nil
	case "sync_positions":
		return msg.Players != nil
	case "update_score":
		return msg.Score != nil
	}
	return true
}

// disconnect detaches a closed connection: the session leaves whatever
// room it was in, then disappears. Whichever path runs, the client's
// send channel ends up closed so the write pump terminates.
func (rm *RoomManager) disconnect(c *Client) {
	delivered := false
	if s, ok := rm.sessions.get(c.connID); ok {
		if room := s.currentRoom(); room != "" {
			if r, ok := rm.get(room); ok {
				delivered = r.enqueue(leaveEvent{client: c, disconnecting: true})
			}
		}
	}
	if !delivered {
		c.closeSend()
	}

	rm.sessions.remove(c.connID)
}

// newRoomCode generates a crypto-random room code and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		rm.mu.Lock()
		_, exists := rm.rooms[code]
		rm.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// reaperLoop periodically asks every room to check its own idle timer.
// The rooms do the actual teardown on their own goroutines.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.cfg.sessionTimeout)

		rm.mu.Lock()
		rooms := make([]*Room, 0, len(rm.rooms))
		for _, r := range rm.rooms {
			rooms = append(rooms, r)
		}
		rm.mu.Unlock()

		for _, r := range rooms {
			r.enqueue(reapCheck{cutoff: cutoff})
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const userCookieName = "quizbox_user"

// serveWSForRooms upgrades the connection and registers a fresh session
// for it. Room membership only begins once the client sends join_room.
func serveWSForRooms(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		username := guestUsername
		if ck, err := r.Cookie(userCookieName); err == nil && ck.Value != "" {
			username = ck.Value
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade error: %v", err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: uuid.NewString(),
		}

		rm.sessions.register(client.connID, username)

		go client.writePump()
		client.readPump(rm)
	}
}

func (c *Client) readPump(rm *RoomManager) {
	defer func() {
		rm.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		rm.dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room := ps.ByName("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:room/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewRoom handles GET /path by generating a new random room code
// (with server-side collision detection) and redirecting to /path/:room.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		room := rm.newRoomCode()
		logf(cfg, "GAMES: Created room %s/%s", path, room)
		http.Redirect(w, r, path+"/"+room, http.StatusTemporaryRedirect)
	}
}

// registerTriviaGame sets up routes so that:
//   - $path            → redirects to a new random room (8-char code)
//   - $path/:room      → HTML client
//   - $path/:room/ws   → WebSocket for that room
//   - $path/:room/qr   → PNG QR code for that room URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router) {
	rm := newRoomManager(cfg, newSessionRegistry(), newQuestionSource(cfg), newStatsReporter(cfg))

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, cfg.prefix+path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:room", serveGameClient(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:room/ws", serveWSForRooms(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:room/qr", qrHandler)
}
