package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Wire messages
// ---------------------------------------------------------------------------

type serverMessage struct {
	Type     string      `json:"t" msgpack:"t"`
	PlayerID int64       `json:"pid,omitempty" msgpack:"pid,omitempty"`
	Version  string      `json:"v,omitempty" msgpack:"v,omitempty"`
	Codec    string      `json:"codec,omitempty" msgpack:"codec,omitempty"`
	State    *PlayerView `json:"state,omitempty" msgpack:"state,omitempty"`
	Error    string      `json:"error,omitempty" msgpack:"error,omitempty"`
}

type clientMessage struct {
	Type      string  `json:"t" msgpack:"t"`
	Direction string  `json:"direction,omitempty" msgpack:"direction,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type client struct {
	playerID int64
	conn     *websocket.Conn
	codec    Codec
	sendCh   chan []byte
	done     chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub keeps one WebSocket per player and fans match snapshots out to them.
// It implements Broadcaster; Broadcast never blocks, a client whose buffer is
// full simply misses that frame.
type Hub struct {
	reg *Registry
	log zerolog.Logger
	now func() time.Time

	mu      sync.RWMutex
	clients map[int64]*client

	totalConns     atomic.Int64
	totalBytesSent atomic.Int64
	totalBytesRecv atomic.Int64
	droppedFrames  atomic.Int64
}

func NewHub(reg *Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		reg:     reg,
		log:     logger.With().Str("component", "ws").Logger(),
		now:     time.Now,
		clients: make(map[int64]*client),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.playerID]
	h.clients[c.playerID] = c
	h.mu.Unlock()
	h.totalConns.Add(1)
	if old != nil {
		// The old read pump fails and cleans up after itself.
		old.conn.Close()
		h.log.Info().Int64("player", c.playerID).Msg("Replaced previous connection")
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.playerID] == c {
		delete(h.clients, c.playerID)
	}
	h.mu.Unlock()
}

func (h *Hub) client(player int64) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[player]
}

// Connections returns the number of open player sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ---------------------------------------------------------------------------
// WebSocket handler
// ---------------------------------------------------------------------------

// HandleWS upgrades /ws?player_id=N[&codec=msgpack] and serves the player
// until the socket closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	player, err := strconv.ParseInt(r.URL.Query().Get("player_id"), 10, 64)
	if err != nil || player == 0 {
		http.Error(w, "player_id required", http.StatusBadRequest)
		return
	}
	codec, err := ParseCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Debug().Str("remote", r.RemoteAddr).Int64("player", player).Msg("HTTP upgrade request")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		playerID: player,
		conn:     conn,
		codec:    codec,
		sendCh:   make(chan []byte, 8),
		done:     make(chan struct{}),
	}

	welcome, _ := codec.Marshal(serverMessage{Type: "welcome", PlayerID: player, Version: Version, Codec: codec.String()})
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(codec.frameType(), welcome); err != nil {
		conn.Close()
		return
	}
	h.register(c)
	h.log.Info().Int64("player", player).Str("codec", codec.String()).Msg("Player connected")

	go c.writePump()

	// Late joiners get the current state right away.
	if m, ok := h.reg.MatchOf(player); ok {
		h.push(c, m.Snapshot())
	}

	// Reader blocks here until disconnect
	h.readPump(c)

	close(c.done)
	h.unregister(c)
	conn.Close()
	h.log.Info().Int64("player", player).Msg("Player disconnected")
}

// ---------------------------------------------------------------------------
// Read pump - one goroutine per player, reads client messages
// ---------------------------------------------------------------------------

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.totalBytesRecv.Add(int64(len(data)))
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg clientMessage
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			h.sendError(c, fmt.Errorf("malformed message: %w", err))
			continue
		}
		if err := h.handleMessage(c, msg); err != nil {
			h.sendError(c, err)
		}
	}
}

func (h *Hub) handleMessage(c *client, msg clientMessage) error {
	switch msg.Type {
	case "dir", "direction":
		dir, err := ParseDirection(msg.Direction)
		if err != nil {
			return err
		}
		at := commandTime(msg.Timestamp, h.now())
		if _, err := h.reg.QueueDirection(c.playerID, dir, at); err != nil {
			return err
		}
		return nil
	case "ready":
		m, ok := h.reg.MatchOf(c.playerID)
		if !ok {
			return ErrNoMatch
		}
		if _, _, err := m.MarkReady(c.playerID, h.now()); err != nil {
			return err
		}
		return h.Broadcast(m.ID)
	case "state":
		m, ok := h.reg.MatchOf(c.playerID)
		if !ok {
			return ErrNoMatch
		}
		h.push(c, m.Snapshot())
		return nil
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// commandTime converts a client unix timestamp in seconds; zero means now.
func commandTime(ts float64, now time.Time) time.Time {
	if ts <= 0 {
		return now
	}
	return time.Unix(0, int64(ts*1e9))
}

// ---------------------------------------------------------------------------
// Write pump - one goroutine per player, sends messages to client
// ---------------------------------------------------------------------------

func (c *client) writePump() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(c.codec.frameType(), msg); err != nil {
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Broadcast (called from the tick loop)
// ---------------------------------------------------------------------------

// Broadcast sends each connected participant its own view of the match.
func (h *Hub) Broadcast(matchID int64) error {
	m, ok := h.reg.Get(matchID)
	if !ok {
		return &MatchError{MatchID: matchID, Err: ErrNoMatch}
	}
	snap := m.Snapshot()
	for _, p := range m.Players() {
		if c := h.client(p); c != nil {
			h.push(c, snap)
		}
	}
	return nil
}

func (h *Hub) push(c *client, snap Snapshot) {
	view, err := snap.View(c.playerID, h.now())
	if err != nil {
		return
	}
	data, err := c.codec.Marshal(serverMessage{Type: "state", State: &view})
	if err != nil {
		h.log.Error().Err(err).Int64("player", c.playerID).Msg("Encoding state failed")
		return
	}
	h.send(c, data)
}

func (h *Hub) sendError(c *client, err error) {
	var me *MatchError
	msg := err.Error()
	if errors.As(err, &me) {
		msg = me.Err.Error()
	}
	data, mErr := c.codec.Marshal(serverMessage{Type: "error", Error: msg})
	if mErr != nil {
		return
	}
	h.send(c, data)
}

func (h *Hub) send(c *client, data []byte) {
	select {
	case c.sendCh <- data:
		h.totalBytesSent.Add(int64(len(data)))
	default:
		// Buffer full, drop frame; the next tick carries the full state again.
		h.droppedFrames.Add(1)
	}
}

// ---------------------------------------------------------------------------
// Stats API + Dashboard
// ---------------------------------------------------------------------------

func HandleStats(s *Server, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write([]byte(s.GetStatsJSON()))
}

func HandleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, dashboardHTML)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Schlangen.TV Duel Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
         background: #1a1a2e; color: #eee; padding: 20px; }
  h1 { background: linear-gradient(135deg, #e94560, #c23152); padding: 14px 24px;
       border-radius: 10px; margin-bottom: 24px; color: white; font-size: 22px;
       display: flex; align-items: center; justify-content: space-between; }
  h2 { margin-bottom: 12px; font-size: 16px; color: #aaa; text-transform: uppercase;
       letter-spacing: 1px; }
  .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
          gap: 14px; margin-bottom: 28px; }
  .card { background: #16213e; border-radius: 10px; padding: 18px;
          border-left: 4px solid #0f3460; }
  .card .label { font-size: 11px; text-transform: uppercase; color: #888; }
  .card .value { font-size: 32px; font-weight: bold; color: #e94560; margin-top: 4px; }
  .card.perf { border-left-color: #00cc88; }
  .card.perf .value { color: #00cc88; }
  table { width: 100%; border-collapse: collapse; background: #16213e;
          border-radius: 10px; overflow: hidden; }
  th { background: #0f3460; padding: 10px 14px; text-align: left; font-size: 12px;
       text-transform: uppercase; }
  td { padding: 9px 14px; border-bottom: 1px solid #1a1a2e; font-size: 14px; }
  .status-bar { font-size: 11px; color: #555; margin-top: 16px; text-align: right; }
</style>
</head>
<body>
<h1><span>Schlangen.TV Duel <span id="version" style="font-size:13px;font-weight:normal;color:rgba(255,255,255,0.5)"></span></span><span id="uptime" style="font-size:14px;font-weight:normal"></span></h1>
<div class="grid" id="cards"></div>
<h2>Matches</h2>
<table>
  <thead><tr><th>ID</th><th>Player 1</th><th>Player 2</th><th>Tick</th><th>State</th></tr></thead>
  <tbody id="matches"></tbody>
</table>
<div class="status-bar" id="status">Connecting...</div>
<script>
const cardDefs = [
  {k:'waiting',        label:'Waiting'},
  {k:'activeMatches',  label:'Active Matches'},
  {k:'matchesCreated', label:'Matches Created'},
  {k:'connections',    label:'Connections'},
  {k:'tickBatches',    label:'Tick Batches', perf:true},
  {k:'avgTickMs',      label:'Avg Batch (ms)', perf:true},
  {k:'maxTickMs',      label:'Max Batch (ms)', perf:true},
  {k:'droppedFrames',  label:'Dropped Frames', perf:true},
];
function render(d) {
  document.getElementById('uptime').textContent = d.uptime || '';
  if (d.version) document.getElementById('version').textContent = 'v' + d.version;
  let html = '';
  for (const c of cardDefs) {
    const v = d[c.k] === undefined ? '-' : d[c.k];
    html += '<div class="card'+(c.perf?' perf':'')+'"><div class="label">'+c.label+'</div><div class="value">'+v+'</div></div>';
  }
  document.getElementById('cards').innerHTML = html;
  let rows = '';
  (d.matches || []).forEach(function(m) {
    rows += '<tr><td>'+m.id+'</td><td>'+m.player1+'</td><td>'+m.player2+'</td><td>'+m.tick+'</td><td>'+m.state+'</td></tr>';
  });
  document.getElementById('matches').innerHTML = rows || '<tr><td colspan="5" style="color:#555;text-align:center">No matches</td></tr>';
  document.getElementById('status').textContent = 'Last update: ' + new Date().toLocaleTimeString();
}
function poll() {
  fetch('/stats').then(r=>r.json()).then(render)
    .catch(e=>{ document.getElementById('status').textContent='Error: '+e; });
}
poll();
setInterval(poll, 1000);
</script>
</body>
</html>`
