package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/models"
	"messenger/internal/presence"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound is one client action received over the socket.
type Inbound struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// ActionHandler runs the business pipeline for one inbound action:
// rate-limit, authorize, validate, persist, publish, ack. Implementations
// report failures to the originating client themselves.
type ActionHandler interface {
	Handle(ctx context.Context, c *Client, in Inbound)
}

// RoomSource yields the conversations an identity actively participates in,
// used to compute the initial room set on connect.
type RoomSource interface {
	ActiveConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Serve upgrades the request, authenticates it, registers the connection and
// pumps messages until the socket dies. Liveness is enforced with ping/pong
// deadlines; a silent peer is dropped through the same cleanup path as an
// explicit disconnect.
func Serve(cfg config.Config, db *gorm.DB, hub *Hub, pres presence.Store, rooms RoomSource, handler ActionHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"code": "unauthorized", "message": "missing token"}})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"code": "unauthorized", "message": "invalid token"}})
			return
		}
		var user models.User
		if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": gin.H{"code": "unauthorized", "message": "user not found"}})
			return
		}

		roomIDs, err := rooms.ActiveConversationIDs(c.Request.Context(), user.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID.String()).Msg("load room set")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal server error"}})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		client := NewClient(user.ID, user.Username, conn)
		first := hub.Attach(client, roomIDs)
		go client.writePump()

		if first {
			setOnline(hub, pres, client, roomIDs)
		}

		readPump(db, hub, pres, client, handler)
	}
}

func setOnline(hub *Hub, pres presence.Store, client *Client, roomIDs []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pres.SetStatus(ctx, client.UserID, models.StatusOnline); err != nil {
		log.Warn().Err(err).Str("user_id", client.UserID.String()).Msg("presence online")
	}
	info := pres.GetStatus(ctx, client.UserID)
	for _, rid := range roomIDs {
		hub.Publish(rid, PresenceChanged(client.UserID, info))
	}
}

func readPump(db *gorm.DB, hub *Hub, pres presence.Store, client *Client, handler ActionHandler) {
	defer func() {
		rooms := hub.RoomsOf(client.ID)
		last := hub.Detach(client)
		client.Close(websocket.CloseNormalClosure, "")
		if last {
			setOffline(db, hub, pres, client, rooms)
		}
	}()

	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Action == "" {
			_ = client.SendEvent(Event{Type: EventError, Payload: ErrorPayload{Code: "invalid_payload", Message: "malformed action"}})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		handler.Handle(ctx, client, in)
		cancel()
	}
}

func setOffline(db *gorm.DB, hub *Hub, pres presence.Store, client *Client, rooms []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pres.SetOffline(ctx, client.UserID); err != nil {
		log.Warn().Err(err).Str("user_id", client.UserID.String()).Msg("presence offline")
	}
	now := time.Now().UTC()
	if err := db.Model(&models.User{}).Where("id = ?", client.UserID).Update("last_seen_at", &now).Error; err != nil {
		log.Warn().Err(err).Str("user_id", client.UserID.String()).Msg("update last seen")
	}
	info := presence.Info{Status: models.StatusOffline, LastSeen: &now}
	for _, rid := range rooms {
		hub.Publish(rid, PresenceChanged(client.UserID, info))
	}
}
