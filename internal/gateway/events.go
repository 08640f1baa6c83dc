package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/platform/api"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
	"github.com/example/anime-watchlist/internal/platform/signing"
)

const eventsChannel = "events"

// The signed query authenticates the handshake, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type eventsTokenResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EventsToken hands out a short-lived signed URL for /v1/events.
func EventsToken(signer *signing.Signer, baseURL string, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok || signer == nil {
			api.Unauthorized(w, "UNAUTHORIZED", "Events are not available", rid)
			return
		}

		exp := time.Now().Add(ttl)
		base := baseURL
		if base == "" {
			base = eventsURLFor(r)
		}
		u, err := signing.BuildURL(base, signer.Sign(eventsChannel, uid, exp))
		if err != nil {
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, eventsTokenResponse{URL: u, ExpiresAt: time.Unix(exp.Unix(), 0).UTC()})
	}
}

func eventsURLFor(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/v1/events"
}

// Events upgrades to a WebSocket once the signature checks out and still
// names the signed-in user.
func Events(hub *Hub, signer *signing.Signer, s Sessions, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		if hub == nil || signer == nil {
			api.NotFound(w, "NOT_FOUND", "Events are not available", rid)
			return
		}

		signed, err := signing.Extract(r.URL.Query())
		if err != nil {
			api.Unauthorized(w, "UNAUTHORIZED", "Missing or malformed signature", rid)
			return
		}
		if signed.Channel != eventsChannel || !signer.Verify(signed) {
			api.Unauthorized(w, "UNAUTHORIZED", "Invalid or expired signature", rid)
			return
		}
		u := s.CurrentUser()
		if u == nil || u.ID.String() != signed.UID {
			api.Unauthorized(w, "SESSION_MISMATCH", "Signature does not belong to the current session", rid)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(hub, conn, signed.UID)
		hello, _ := json.Marshal(Message{Type: MessageSession, Data: sessionData{User: u}})
		c.send <- hello
		if !hub.add(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	}
}
