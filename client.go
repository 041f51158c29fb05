package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Simple HTML client for quick testing. The canvas dimensions are
// substituted from the server config so both sides agree on the answer
// zone geometry.
const gameHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Quizbox</title>
<style>
  body { font-family: system-ui, -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 1rem; }
  #status { margin-bottom: 0.5rem; font-size: 0.9rem; }
  #question { font-size: 1.2rem; font-weight: bold; min-height: 1.5rem; margin-bottom: 0.5rem; }
  #board { border: 1px solid #333; display: block; }
  #scores { margin-top: 0.5rem; padding: 0; list-style: none; }
  #scores li { padding: 0.1rem 0; }
  button { margin-right: 0.5rem; }
</style>
</head>
<body>
<div id="status">Connecting…</div>
<div id="question"></div>
<canvas id="board" width="{{width}}" height="{{height}}"></canvas>
<p>
  <button id="readyBtn">Ready</button>
  <button id="qrBtn">Share QR</button>
  WASD to move, Space to push, click a quadrant to answer.
</p>
<ul id="scores"></ul>

<script>
(function() {
  const statusEl = document.getElementById('status');
  const questionEl = document.getElementById('question');
  const scoresEl = document.getElementById('scores');
  const canvas = document.getElementById('board');
  const ctx = canvas.getContext('2d');

  const room = location.pathname.replace(/\/$/, '').split('/').pop();
  const zoneW = canvas.width * 0.4;
  const zoneH = canvas.height * 0.4;
  const colors = ['red', 'blue', 'orange', 'green'];

  let me = { x: 100, y: 100 };
  let others = {};
  let answers = [];
  const keysPressed = new Set();

  if (!document.cookie.includes('quizbox_user=')) {
    const name = prompt('Enter your username (leave empty to play as Guest):') || '';
    if (name) {
      document.cookie = 'quizbox_user=' + encodeURIComponent(name) + '; path=/; samesite=lax';
    }
  }

  const proto = (location.protocol === 'https:') ? 'wss://' : 'ws://';
  const wsPath = location.pathname.replace(/\/$/, '') + '/ws';
  const ws = new WebSocket(proto + location.host + wsPath);

  ws.onopen = function() {
    statusEl.textContent = 'Connected to room ' + room + '. Press Ready to start.';
    ws.send(JSON.stringify({ type: 'join_room', room: room }));
  };

  ws.onclose = function() { statusEl.textContent = 'Disconnected.'; };
  ws.onerror = function() { statusEl.textContent = 'Error with WebSocket.'; };

  ws.onmessage = function(event) {
    const msg = JSON.parse(event.data);

    if (msg.type === 'update_lobby') {
      const ready = msg.players.filter(p => p.ready).length;
      statusEl.textContent = 'Lobby: ' + ready + '/' + msg.players.length + ' ready.';
      return;
    }
    if (msg.type === 'start_game') {
      statusEl.textContent = 'Game on!';
      return;
    }
    if (msg.type === 'next_question') {
      questionEl.textContent = msg.question;
      answers = msg.answers;
      return;
    }
    if (msg.type === 'player_moved') {
      others[msg.id] = { x: msg.x, y: msg.y, username: msg.username };
      return;
    }
    if (msg.type === 'update_positions') {
      for (const id in msg.players) {
        others[id] = Object.assign(others[id] || {}, msg.players[id]);
      }
      return;
    }
    if (msg.type === 'update_player_scores') {
      scoresEl.innerHTML = '';
      msg.scores.forEach(function(s) {
        const li = document.createElement('li');
        li.textContent = s.username + ': ' + s.score;
        scoresEl.appendChild(li);
      });
      return;
    }
    if (msg.type === 'game_over') {
      questionEl.textContent = 'Winner: ' + msg.winner + ' (' + msg.score + ' points)';
      answers = [];
    }
  };

  document.getElementById('readyBtn').onclick = function() {
    ws.send(JSON.stringify({ type: 'player_ready', room: room }));
  };
  document.getElementById('qrBtn').onclick = function() {
    window.open(location.pathname.replace(/\/$/, '') + '/qr', '_blank');
  };

  canvas.addEventListener('click', function(e) {
    const rect = canvas.getBoundingClientRect();
    ws.send(JSON.stringify({
      type: 'submit_answer',
      x: e.clientX - rect.left,
      y: e.clientY - rect.top
    }));
  });

  document.addEventListener('keydown', function(e) {
    if (e.key === ' ') {
      ws.send(JSON.stringify({ type: 'player_push', room: room, x: me.x, y: me.y }));
      return;
    }
    keysPressed.add(e.key.toLowerCase());
  });
  document.addEventListener('keyup', function(e) {
    keysPressed.delete(e.key.toLowerCase());
  });

  function updatePosition() {
    const speed = 3;
    let moved = false;
    if (keysPressed.has('w')) { me.y -= speed; moved = true; }
    if (keysPressed.has('s')) { me.y += speed; moved = true; }
    if (keysPressed.has('a')) { me.x -= speed; moved = true; }
    if (keysPressed.has('d')) { me.x += speed; moved = true; }
    if (moved && ws.readyState === WebSocket.OPEN) {
      ws.send(JSON.stringify({ type: 'move', x: me.x, y: me.y }));
    }
  }

  function drawZones() {
    const anchors = [
      [0, 0],
      [canvas.width - zoneW, 0],
      [0, canvas.height - zoneH],
      [canvas.width - zoneW, canvas.height - zoneH]
    ];
    for (let i = 0; i < 4; i++) {
      ctx.fillStyle = colors[i];
      ctx.fillRect(anchors[i][0], anchors[i][1], zoneW, zoneH);
      if (answers[i]) {
        ctx.fillStyle = 'black';
        ctx.fillText(answers[i], anchors[i][0] + 10, anchors[i][1] + 20);
      }
    }
  }

  function drawPlayer(p, color) {
    ctx.beginPath();
    ctx.arc(p.x, p.y, 10, 0, 2 * Math.PI);
    ctx.fillStyle = color;
    ctx.fill();
    ctx.stroke();
    if (p.username) {
      ctx.fillStyle = 'black';
      ctx.fillText(p.username, p.x - 10, p.y - 14);
    }
  }

  function gameLoop() {
    ctx.clearRect(0, 0, canvas.width, canvas.height);
    drawZones();
    updatePosition();
    for (const id in others) {
      drawPlayer(others[id], 'gray');
    }
    drawPlayer(me, 'teal');
    requestAnimationFrame(gameLoop);
  }

  requestAnimationFrame(gameLoop);
})();
</script>
</body>
</html>
`

func serveGameClient(cfg *Config) httprouter.Handle {
	page := strings.NewReplacer(
		"{{width}}", strconv.FormatFloat(cfg.canvasWidth, 'f', -1, 64),
		"{{height}}", strconv.FormatFloat(cfg.canvasHeight, 'f', -1, 64),
	).Replace(gameHTML)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(page))
	}
}
