// Package dashboard is a live, single-page websocket view of a running
// group: collector queue depths, sender counts, batch counts and mean batch
// fill pushed to the browser on a fixed tick.
package dashboard

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{}

const (
	writeWait  = 1 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// CollectorStat is one collector's current backlog, reported each tick.
type CollectorStat struct {
	Name        string  `json:"name"`
	PendingRows int     `json:"pending_rows"`
	BatchesSent int64   `json:"batches_sent"`
	AvgFill     float64 `json:"avg_fill"`
	SenderCount int     `json:"sender_count"`
}

// Snapshot is one update pushed to the dashboard client.
type Snapshot struct {
	Timestamp  time.Time       `json:"timestamp"`
	Collectors []CollectorStat `json:"collectors"`
}

// Server is a single-page status server, one collector group per process.
// It serves one client view at a time; operator tooling, not a fleet UI.
type Server struct {
	addr    string
	updates <-chan Snapshot
}

// NewServer wires a Server that streams from updates.
func NewServer(addr string, updates <-chan Snapshot) *Server {
	return &Server{addr: addr, updates: updates}
}

// Serve blocks, serving the index page and websocket stream.
func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveIndex)
	mux.HandleFunc("/ws", s.serveWebsocket)
	if err := http.ListenAndServe(s.addr, mux); err != nil {
		return fmt.Errorf("dashboard: serve: %w", err)
	}
	return nil
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, indexHTML)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		log.Println("dashboard upgrade:", err)
		return
	}
	defer ws.Close()
	if err := s.publish(r.Context(), ws); err != nil && isUnexpected(err) {
		log.Println("dashboard publish:", err)
	}
}

// publish coordinates the per-client goroutines (reader, pinger, snapshot
// writer) under one errgroup: the first to fail cancels the group context
// and tears the others down, propagating the error to the caller. Write
// concurrency is safe as-is: WriteControl may be called concurrently with
// the snapshot writer, and only one goroutine calls WriteJSON.
func (s *Server) publish(ctx context.Context, ws *websocket.Conn) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return readMessages(groupCtx, ws)
	})
	group.Go(func() error {
		return pingPong(groupCtx, ws)
	})
	group.Go(func() error {
		return s.writeSnapshots(groupCtx, ws)
	})

	return group.Wait()
}

// readMessages monitors the client side of the socket. Errors from the
// websocket read methods are permanent, so any error (including a normal
// client close) tears down the whole group.
func readMessages(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, _, err := ws.ReadMessage(); err != nil {
			return err
		}
	}
}

// pingPong keeps the socket alive, pinging on a done-channel ticker.
func pingPong(ctx context.Context, ws *websocket.Conn) error {
	pinger := channerics.NewTicker(ctx.Done(), pingPeriod/2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// writeSnapshots pushes each group snapshot to the client as JSON.
func (s *Server) writeSnapshots(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-s.updates:
			if !ok {
				return nil
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := ws.WriteJSON(snap); err != nil {
				return err
			}
		}
	}
}

// isUnexpected filters the ordinary client-went-away closures out of the
// error log.
func isUnexpected(err error) bool {
	return websocket.IsUnexpectedCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>collector group status</title></head>
<body>
<pre id="out">connecting...</pre>
<script>
  const ws = new WebSocket("ws://" + location.host + "/ws");
  ws.onmessage = (ev) => {
    document.getElementById("out").textContent = JSON.stringify(JSON.parse(ev.data), null, 2);
  };
</script>
</body>
</html>`
