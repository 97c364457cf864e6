package control

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// handleEvents streams run events as JSON text messages. ?run_id= limits
// the stream to one run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	ch, unsubscribe := s.deps.Hub.Subscribe(eventBuffer)
	defer unsubscribe()

	runID := r.URL.Query().Get("run_id")
	s.logger.Debug("event stream opened", zap.String("run_id", runID))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if runID != "" && ev.RunID != runID {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
