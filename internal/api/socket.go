package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/voxelgrid/internal/model"
)

const (
	socketWriteTimeout = 5 * time.Second
	socketReplyBuffer  = 64
	maxSocketFrame     = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // CORS is open for the HTTP API too.
}

// socketRequest is one client frame: evaluate render at (x, y, z) and answer
// under tag.
type socketRequest struct {
	Tag string `json:"tag"`
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
}

// socketReply answers the request with the same tag.
type socketReply struct {
	Tag   string   `json:"tag"`
	Value *float64 `json:"value"`
	Error string   `json:"error,omitempty"`
}

// handleEvaluateSocket upgrades to a websocket on which the client streams
// evaluation requests. Every frame becomes its own broker call, so many are
// pending at once; replies are written as the calls complete, not in request
// order.
func (s *Server) handleEvaluateSocket(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookupFunction(w, r)
	if !ok {
		return
	}
	if f.Status == model.FunctionDisposed {
		s.writeError(w, http.StatusGone, "function disposed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "function_id", f.ID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxSocketFrame)

	logger := s.logger.With("function_id", f.ID, "remote_addr", conn.RemoteAddr().String())
	logger.Info("websocket connected")
	activeSockets.Inc()
	defer activeSockets.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan socketReply, socketReplyBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeSocket(conn, out, cancel, logger)
	}()

	var inflight sync.WaitGroup
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		socketFramesTotal.WithLabelValues(frameIn).Inc()

		var req socketRequest
		if err := json.Unmarshal(data, &req); err != nil {
			send(ctx, out, socketReply{Error: "invalid frame"})
			continue
		}

		call, err := s.engine.Call(ctx, f, req.X, req.Y, req.Z)
		if err != nil {
			_, message := evaluationStatus(err)
			send(ctx, out, socketReply{Tag: req.Tag, Error: message})
			continue
		}

		inflight.Go(func() {
			select {
			case <-call.Done():
			case <-ctx.Done():
				return
			}
			res, err := call.Result()
			reply := socketReply{Tag: req.Tag, Value: resultValue(res)}
			if err := s.engine.Observe(f, err); err != nil {
				_, reply.Error = evaluationStatus(err)
			}
			send(ctx, out, reply)
		})
	}

	cancel()
	inflight.Wait()
	close(out)
	<-writerDone
	logger.Info("websocket disconnected")
}

// writeSocket is the connection's only writer. After a failed write it keeps
// draining out so senders never block.
func (s *Server) writeSocket(conn *websocket.Conn, out <-chan socketReply, cancel context.CancelFunc, logger *slog.Logger) {
	failed := false
	for reply := range out {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			logger.Debug("websocket write failed", "error", err)
			failed = true
			cancel()
			// Unblocks the reader.
			conn.Close()
			continue
		}
		socketFramesTotal.WithLabelValues(frameOut).Inc()
	}

	if !failed {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Debug("websocket close failed", "error", err)
		}
	}
}

// send queues reply for the writer unless the connection is going away.
func send(ctx context.Context, out chan<- socketReply, reply socketReply) {
	select {
	case out <- reply:
	case <-ctx.Done():
	}
}
