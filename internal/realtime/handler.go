package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// CloseMissingToken is sent when the token query parameter is absent.
	CloseMissingToken = 4001
	// CloseInvalidToken is sent when the token is empty or malformed.
	CloseInvalidToken = 4002

	publishTimeout = 5 * time.Second
)

type Handler struct {
	hub      *Hub
	events   DevicePublisher
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler serves sockets registered in hub. Events raised by a socket go
// out through events so devices held by other nodes see them too; a nil
// events keeps delivery local to hub.
func NewHandler(hub *Hub, events DevicePublisher, allowedOrigins []string, log zerolog.Logger) *Handler {
	if events == nil {
		events = hub
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = struct{}{}
	}
	return &Handler{
		hub:    hub,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		log: log.With().Str("component", "sync_ws").Logger(),
	}
}

// ParseToken splits a "userId:deviceId" token. A bare user id is a browser
// session and gets a generated device id.
func ParseToken(token string) (userID string, deviceID string, ok bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", false
	}
	parts := strings.Split(token, ":")
	switch len(parts) {
	case 1:
		return parts[0], "web-" + uuid.NewString(), true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
	return "", "", false
}

// Serve upgrades GET /ws?token=... and runs the socket until it closes.
func (h *Handler) Serve(c *gin.Context) {
	token, present := c.GetQuery("token")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !present {
		rejectConn(conn, CloseMissingToken, "token required")
		return
	}
	userID, deviceID, ok := ParseToken(token)
	if !ok {
		rejectConn(conn, CloseInvalidToken, "invalid token")
		return
	}

	client := newClient(conn, userID, deviceID)
	if !h.hub.register(client) {
		rejectConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.log.Info().Str("user_id", userID).Str("device_id", deviceID).Msg("device connected")

	go client.writePump()

	if env, err := NewEnvelope(userID, deviceID, DeviceConnected{DeviceID: deviceID}); err == nil {
		client.sendEnvelope(env)
	}

	client.readPump(h.handleInbound)
	h.disconnect(client)
}

func (h *Handler) disconnect(c *Client) {
	removed := h.hub.unregister(c)
	c.close()
	if !removed {
		return
	}
	h.log.Info().Str("user_id", c.userID).Str("device_id", c.deviceID).Msg("device disconnected")

	env, err := NewEnvelope(c.userID, c.deviceID, DeviceDisconnected{DeviceID: c.deviceID})
	if err != nil {
		return
	}
	h.publish(env, "")
}

// publish hands env to the relay and falls back to local sockets when the
// relay is unavailable.
func (h *Handler) publish(env Envelope, exceptDevice string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.events.PublishExcept(ctx, env, exceptDevice); err != nil {
		h.log.Warn().Err(err).Str("type", string(env.Type)).Msg("relay publish failed, delivering locally")
		h.hub.broadcast(env, exceptDevice)
	}
}

func (h *Handler) handleInbound(c *Client, env Envelope) {
	switch env.Type {
	case TypePing:
		if pong, err := NewEnvelope(c.userID, c.deviceID, Pong{}); err == nil {
			c.sendEnvelope(pong)
		}
	case TypeUpdateProgress:
		payload, err := Decode(env)
		if err != nil {
			h.log.Debug().Err(err).Str("device_id", c.deviceID).Msg("bad progress update")
			return
		}
		update := payload.(UpdateProgress)
		progress := 0.0
		if update.TotalImages > 0 {
			progress = float64(update.ProcessedImages) / float64(update.TotalImages)
		}
		out, err := NewEnvelope(c.userID, c.deviceID, ShootProgress{
			ShootID:         update.ShootID,
			Status:          update.Status,
			ProcessedImages: update.ProcessedImages,
			TotalImages:     update.TotalImages,
			Progress:        progress,
		})
		if err != nil {
			return
		}
		h.publish(out, c.deviceID)
	default:
		h.log.Debug().Str("type", string(env.Type)).Msg("ignoring client message")
	}
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	_ = conn.Close()
}
