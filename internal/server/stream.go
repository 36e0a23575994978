package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"xscrow/internal/events"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// handleEventStream upgrades to a websocket and pushes every event as JSON.
// With ?since=N the backlog from sequence N is replayed first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	since := -1
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	// Subscribe before snapshotting so nothing falls between the two.
	ch, cancel := s.events.Subscribe(streamBuffer)
	defer cancel()

	s.metrics.streamClients.Inc()
	defer s.metrics.streamClients.Dec()

	var last int64 = -1
	if since >= 0 {
		for _, ev := range s.events.Events() {
			if ev.Seq < uint64(since) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = int64(ev.Seq)
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if int64(ev.Seq) <= last {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("event stream write failed", slog.Any("err", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(ev)
}
