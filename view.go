package main

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 64
)

// uiEvent is a frame on the browser socket, both directions. The browser
// sends join/send/leave; the server answers joined/left and streams
// rendered transcript entries as message frames.
type uiEvent struct {
	Op    string `json:"op"`
	User  string `json:"user,omitempty"`
	Room  string `json:"room,omitempty"`
	Text  string `json:"text,omitempty"`
	Entry *Entry `json:"entry,omitempty"`
}

// uiClient is one connected browser. It owns at most one live session;
// the join view is the only place join can be triggered from, so the
// controller never sees join-while-active.
type uiClient struct {
	conn    *websocket.Conn
	send    chan uiEvent
	ctrl    *Controller
	session *Session
	closed  atomic.Bool
}

func handleWS(w http.ResponseWriter, r *http.Request, ctrl *Controller) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &uiClient{
		conn: conn,
		send: make(chan uiEvent, wsSendBuffer),
		ctrl: ctrl,
	}
	go c.writeLoop()
	go c.readLoop()
}

// readLoop is the only goroutine that touches c.session; the write loop
// tears the socket down by closing the conn, which unwinds this loop and
// its deferred leave.
func (c *uiClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[ui] read socket")
			return
		}
		var ev uiEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		switch ev.Op {
		case "join":
			if c.session != nil {
				continue
			}
			c.session = c.ctrl.Join(ev.User, ev.Room, func(e Entry) {
				c.push(uiEvent{Op: "message", Entry: &e})
			})
			c.push(uiEvent{Op: "joined", Room: c.session.Room, User: c.session.Username})
		case "send":
			if c.session != nil {
				c.session.Send(ev.Text)
			}
		case "leave":
			if c.session != nil {
				c.session.Leave()
				c.session = nil
				c.push(uiEvent{Op: "left"})
			}
		}
	}
}

func (c *uiClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("[ui] write socket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push enqueues without blocking the feed dispatch goroutine; when the
// browser cannot keep up the oldest pending frame is dropped.
func (c *uiClient) push(ev uiEvent) {
	select {
	case c.send <- ev:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (c *uiClient) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.session != nil {
		c.session.Leave()
		c.session = nil
	}
	_ = c.conn.Close()
}

func serveIndex(w http.ResponseWriter, r *http.Request, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct{ Name string }{Name: name})
}

// NewHandler builds the chat HTTP router (UI + websocket + ops endpoints).
func NewHandler(name string, ctrl *Controller) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { serveIndex(w, r, name) })
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { handleWS(w, r, ctrl) })
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return r
}

var indexTmpl = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Name}}</title>
  <style>
    :root{
      --bg: #0d1117;
      --panel: #111827;
      --border: #1f2937;
      --fg: #e5e7eb;
      --muted: #9ca3af;
      --accent: #22c55e;
    }
    *{ box-sizing: border-box }
    body { margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap { max-width: 760px; margin: 0 auto }
    h1 { margin:0 0 12px 0; font-weight:700 }
    .panel { border:1px solid var(--border); border-radius:10px; background:var(--panel); overflow:hidden }
    .bar { display:flex; align-items:center; justify-content:space-between; gap:8px; padding:10px 12px; border-bottom:1px solid var(--border); font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size:14px }
    .bar .room { color:var(--accent) }
    input { background:transparent; border:1px solid var(--border); color:var(--fg); padding:8px 10px; border-radius:6px; font-family:inherit; font-size:14px }
    button { background:transparent; border:1px solid var(--border); color:var(--fg); padding:8px 12px; border-radius:6px; font-family:inherit; font-size:14px; cursor:pointer }
    button:hover { border-color: var(--accent) }
    .join-form { display:flex; flex-direction:column; gap:12px; padding:24px }
    .join-form label { color:var(--muted); font-size:13px }
    .screen { height:420px; overflow:auto; padding:14px; font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size:14px; line-height:1.5;
      scrollbar-width: thin; scrollbar-color: #374151 #0d1117 }
    .screen::-webkit-scrollbar { width: 10px }
    .screen::-webkit-scrollbar-thumb { background: #374151; border-radius: 8px }
    .line { white-space: pre-wrap; word-break: break-word }
    .ts { color:var(--muted) }
    .usr { color:#60a5fa }
    .promptline { display:flex; align-items:center; gap:8px; padding:12px 14px; border-top:1px solid var(--border); font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace }
    #cmd { flex:1 1 auto; min-width:0; background:transparent; border:none; outline:none; color:var(--fg); font-size:14px; caret-color: var(--accent) }
    small{ color:var(--muted); display:block; margin-top:10px }
    .hidden { display:none }
    @media (max-width: 640px) {
      body { padding: 12px }
      .screen { height: 50vh; font-size: 13px }
      input, button, #cmd { font-size: 16px }
    }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>{{.Name}}</h1>

    <div id="join-view" class="panel">
      <div class="join-form">
        <label for="user">username</label>
        <input id="user" type="text" placeholder="Anonymous" autocomplete="off" />
        <label for="room">room</label>
        <input id="room" type="text" placeholder="general" autocomplete="off" />
        <button id="join">Join</button>
      </div>
    </div>

    <div id="chat-view" class="panel hidden">
      <div class="bar">
        <span class="room" id="room-title"></span>
        <button id="leave">Leave</button>
      </div>
      <div id="log" class="screen"></div>
      <div class="promptline">
        <input id="cmd" type="text" autocomplete="off" spellcheck="false" placeholder="type a message and press Enter" enterkeyhint="send" />
        <button id="sendbtn">Send</button>
      </div>
    </div>
    <small>Tip: Enter to send</small>
  </div>
  <script>
    const joinView = document.getElementById('join-view');
    const chatView = document.getElementById('chat-view');
    const user = document.getElementById('user');
    const room = document.getElementById('room');
    const joinBtn = document.getElementById('join');
    const leaveBtn = document.getElementById('leave');
    const roomTitle = document.getElementById('room-title');
    const log = document.getElementById('log');
    const cmd = document.getElementById('cmd');
    const sendBtn = document.getElementById('sendbtn');

    const wsProto = location.protocol === 'https:' ? 'wss' : 'ws';
    const basePath = location.pathname.endsWith('/') ? location.pathname : (location.pathname + '/');
    let ws = null;

    function connect(){
      ws = new WebSocket(wsProto + '://' + location.host + basePath + 'ws');
      ws.onmessage = (e) => { try{ handle(JSON.parse(e.data)); }catch(_){} };
      ws.onclose = () => { showJoin(); ws = null; };
    }

    function handle(ev){
      if (ev.op === 'joined') {
        roomTitle.textContent = '#' + ev.room + ' — ' + ev.user;
        joinView.classList.add('hidden');
        chatView.classList.remove('hidden');
        setTimeout(() => cmd.focus(), 0);
      } else if (ev.op === 'message' && ev.entry) {
        append(ev.entry);
      } else if (ev.op === 'left') {
        showJoin();
      }
    }

    // Entry fields arrive pre-escaped; this only assembles the line.
    function append(e){
      const div = document.createElement('div');
      div.className = 'line';
      const ts = e.time ? '<span class="ts">[' + e.time + ']</span> ' : '';
      div.innerHTML = ts + '<span class="usr">' + e.user + '</span>: ' + e.text;
      log.appendChild(div);
      log.scrollTop = log.scrollHeight;
    }

    function showJoin(){
      chatView.classList.add('hidden');
      joinView.classList.remove('hidden');
      log.innerHTML = '';
      cmd.value = '';
      roomTitle.textContent = '';
    }

    function join(){
      const go = () => ws.send(JSON.stringify({ op:'join', user:user.value, room:room.value }));
      if (!ws || ws.readyState === 3) { connect(); ws.onopen = go; }
      else if (ws.readyState === 0) { ws.onopen = go; }
      else { go(); }
    }

    function send(){
      const text = cmd.value.trim();
      if (!text || !ws || ws.readyState !== 1) return;
      ws.send(JSON.stringify({ op:'send', text:text }));
      cmd.value = '';
    }

    joinBtn.addEventListener('click', join);
    user.addEventListener('keydown', e => { if (e.key === 'Enter') join(); });
    room.addEventListener('keydown', e => { if (e.key === 'Enter') join(); });
    leaveBtn.addEventListener('click', () => {
      if (ws && ws.readyState === 1) ws.send(JSON.stringify({ op:'leave' }));
      user.value = '';
      room.value = '';
    });
    sendBtn.addEventListener('click', send);
    // IME-safe Enter handling for CJK input methods.
    cmd.addEventListener('keydown', e => {
      if (e.isComposing || e.keyCode === 229) { return; }
      if (e.key === 'Enter') { e.preventDefault(); send(); setTimeout(() => cmd.focus(), 0); }
    });
    connect();
  </script>
</body>
</html>`))
