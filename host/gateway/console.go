package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/khayzz13/keystone/host/processes"
)

// evalReplyTimeout bounds how long the console waits for the primary to
// answer one eval before reporting it lost.
const evalReplyTimeout = 30 * time.Second

type consoleRequest struct {
	Code string `json:"code"`
}

type consoleResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleConsole runs the interactive eval console over a websocket. Each
// incoming {"code": ...} frame is evaluated in the primary peer; the reply
// frame carries the result or error. Refused outright when eval is disabled.
// GET /api/console
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowEval {
		http.Error(w, "Eval is disabled", http.StatusForbidden)
		return
	}
	primary, ok := s.fleet.Primary()
	if !ok {
		http.Error(w, "Primary peer is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept console connection", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "console closed")

	s.logger.Info("Console connected", "remote", r.RemoteAddr)
	ctx := r.Context()

	for {
		var req consoleRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				conn.Close(websocket.StatusNormalClosure, "")
			} else {
				s.logger.Info("Console disconnected", "error", err)
			}
			return
		}

		replyCh := make(chan processes.Reply, 1)
		if _, err := primary.Evaluate(req.Code, func(r processes.Reply) { replyCh <- r }); err != nil {
			if werr := wsjson.Write(ctx, conn, consoleResponse{Error: err.Error()}); werr != nil {
				return
			}
			continue
		}

		var resp consoleResponse
		select {
		case reply := <-replyCh:
			switch {
			case reply.Err != "":
				resp.Error = reply.Err
			case reply.Result == nil:
				// Detach resolves outstanding requests with an empty
				// reply.
				resp.Error = "worker detached before replying"
			default:
				resp.Result = reply.Result
			}
		case <-time.After(evalReplyTimeout):
			resp.Error = "eval timed out"
		case <-ctx.Done():
			return
		}

		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.logger.Info("Console write failed", "error", err)
			return
		}
	}
}
