package viewer

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter serves the viewer page and the event stream.
func NewRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/ws", hub)
	return r
}

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Interview transcript</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
.state { color: #888; font-size: 0.85rem; }
.entry { margin: 0.5rem 0; }
.speaker { font-weight: bold; margin-right: 0.5rem; }
</style>
</head>
<body>
<h1>Interview transcript</h1>
<div id="log"></div>
<script>
const log = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (msg) => {
  const ev = JSON.parse(msg.data);
  const div = document.createElement("div");
  if (ev.eventType === "transcript.entry") {
    div.className = "entry";
    div.innerHTML = "<span class=speaker></span><span class=text></span>";
    div.querySelector(".speaker").textContent = ev.candidate + " / " + ev.speaker + ":";
    div.querySelector(".text").textContent = ev.text;
  } else {
    div.className = "state";
    div.textContent = ev.sessionId + ": " + ev.from + " -> " + ev.to + " (" + ev.trigger + ")";
  }
  log.appendChild(div);
};
</script>
</body>
</html>
`
