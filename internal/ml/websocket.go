package ml

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsDefaultIdle = 60 * time.Second
	wsWriteWait   = 10 * time.Second
)

func (ms *ModelServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     ms.checkOrigin,
	}
}

// checkOrigin applies the CORS origin list to websocket handshakes.
// Non-browser clients send no Origin and are always accepted.
func (ms *ModelServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range ms.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleWebSocket answers every inbound frame with one reply frame carrying
// the same JSON shapes as POST /api/predict.
func (ms *ModelServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ms.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug().Err(err).Str("request_id", RequestID(r.Context())).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if ms.metrics != nil {
		ms.metrics.WSConnectionsAdd(1)
		defer ms.metrics.WSConnectionsAdd(-1)
	}

	idle := ms.config.IdleTimeout
	if idle <= 0 {
		idle = wsDefaultIdle
	}
	conn.SetReadLimit(ms.config.MaxBodyBytes)

	requestID := RequestID(r.Context())
	log.Debug().Str("request_id", requestID).Str("remote_addr", r.RemoteAddr).Msg("websocket connected")

	frames := 0
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("request_id", requestID).Msg("websocket read error")
			}
			break
		}
		frames++

		var reply interface{}
		resp, err := ms.respond(r.Context(), msg)
		if err != nil {
			log.Debug().Err(err).Str("request_id", requestID).Int("frame", frames).Msg("websocket prediction failed")
			reply = ErrorResponse{Error: err.Error()}
		} else {
			reply = resp
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Msg("websocket write error")
			break
		}
	}

	log.Debug().Str("request_id", requestID).Int("frames", frames).Msg("websocket closed")
}
