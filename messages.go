package main

// Messages coming from clients. Fields that a given event type requires
// are pointers so a missing field can be told apart from a zero value;
// events with missing required fields are dropped.
type clientMessage struct {
	Type    string              `json:"type"`              // "join_room", "player_ready", "move", "player_push", "sync_positions", "submit_answer", "update_score"
	Room    string              `json:"room,omitempty"`    // join_room / player_ready / player_push / sync_positions
	X       *float64            `json:"x,omitempty"`       // move / player_push / submit_answer
	Y       *float64            `json:"y,omitempty"`       // move / player_push / submit_answer
	Score   *int                `json:"score,omitempty"`   // update_score
	Players map[string]position `json:"players,omitempty"` // sync_positions
}

type position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Messages sent to clients

// LobbyMessage carries the member readiness snapshot.
type LobbyMessage struct {
	Type    string        `json:"type"` // "update_lobby"
	Players []LobbyPlayer `json:"players"`
}

type LobbyPlayer struct {
	Username string `json:"username"`
	Ready    bool   `json:"ready"`
}

// StartMessage announces the lobby reached quorum and the match began.
type StartMessage struct {
	Type string `json:"type"` // "start_game"
}

// QuestionMessage carries the active question. The solution is never sent.
type QuestionMessage struct {
	Type     string   `json:"type"` // "next_question"
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

// MovedMessage echoes one player's position to the whole room.
type MovedMessage struct {
	Type     string  `json:"type"` // "player_moved"
	ID       string  `json:"id"`
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// PositionsMessage carries the full position snapshot for the room.
type PositionsMessage struct {
	Type    string              `json:"type"` // "update_positions"
	Players map[string]position `json:"players"`
}

// ScoresMessage carries the room scoreboard, sorted descending by score.
type ScoresMessage struct {
	Type   string       `json:"type"` // "update_player_scores"
	Scores []ScoreEntry `json:"scores"`
}

type ScoreEntry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// GameOverMessage names the winner once the question queue is exhausted.
type GameOverMessage struct {
	Type   string `json:"type"` // "game_over"
	Winner string `json:"winner"`
	Score  int    `json:"score"`
}
