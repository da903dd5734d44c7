// Package ws streams orchestrator status snapshots to spectators.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
)

// StatusSource is satisfied by *orchestrator.Orchestrator.
type StatusSource interface {
	Status(ctx context.Context) (orchestrator.Status, error)
}

// StatusMsg is pushed whenever the projected status changes.
type StatusMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	Status          orchestrator.Status `json:"status"`
}

type Server struct {
	src      StatusSource
	interval time.Duration
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(src StatusSource, interval time.Duration, logger *log.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		src:      src,
		interval: interval,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true }, // spectators are read-only
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.pushLoop(ctx, conn)
			cancel()
		}()

		// Reader loop; spectators send nothing but pings and close frames.
		conn.SetReadLimit(4 * 1024)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		cancel()
		<-done
	}
}

// pushLoop sends the current status, then again whenever it changes.
// Snapshots are compared without their as_of stamp.
func (s *Server) pushLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	var last []byte
	for {
		st, err := s.src.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Printf("status failed err=%v", err)
		} else {
			key := st
			key.AsOf = time.Time{}
			b, _ := json.Marshal(key)
			if !bytes.Equal(b, last) {
				last = b
				msg := StatusMsg{Type: protocol.TypeStatus, ProtocolVersion: protocol.Version, Status: st}
				if err := writeJSON(conn, msg); err != nil {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
