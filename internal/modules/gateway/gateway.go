// Package gateway pushes live events to portal and admin clients over
// socket.io, with Redis fan-out across processes.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/mac"
	pkgredis "github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/pkg/redis"
	"github.com/gin-gonic/gin"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

const (
	RoomAdmin  = "admin"
	RoomPortal = "portal"

	namespaceAdmin  = "/admin"
	namespacePortal = "/portal"

	redisChanAdmin  = "nx:gateway:admin"
	redisChanPortal = "nx:gateway:portal"

	deviceRoomPrefix = "diagnostic:"
)

// DeviceRoom names the per-device diagnostic room.
func DeviceRoom(macAddr string) string {
	return deviceRoomPrefix + macAddr
}

// Message is the envelope used by hub broadcasts and Redis fan-out.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Room    string      `json:"room,omitempty"`
}

type gatewayPayload struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type clientMeta struct {
	sid  string
	room string
}

// Hub manages socket.io namespaces and cluster fan-out.
type Hub struct {
	mu sync.RWMutex

	sidRoom   map[string]string
	roomCount map[string]int

	broadcast  chan Message
	register   chan clientMeta
	unregister chan clientMeta

	rc                  *pkgredis.Client
	logger              *zap.Logger
	sio                 *socketio.Server
	adminTokenValidator func(string) bool
}

func NewHub(rc *pkgredis.Client, logger *zap.Logger, adminTokenValidator func(string) bool) *Hub {
	sio := socketio.NewServer(nil, nil)
	h := &Hub{
		sidRoom:             make(map[string]string),
		roomCount:           make(map[string]int),
		broadcast:           make(chan Message, 256),
		register:            make(chan clientMeta, 256),
		unregister:          make(chan clientMeta, 256),
		rc:                  rc,
		logger:              logger,
		sio:                 sio,
		adminTokenValidator: adminTokenValidator,
	}
	h.registerNamespaces()
	return h
}

func (h *Hub) registerNamespaces() {
	portalNS := h.sio.Of(namespacePortal, nil)
	_ = portalNS.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}
		sid := string(client.Id())
		h.register <- clientMeta{sid: sid, room: RoomPortal}
		_ = client.Emit("message", gatewayPayload{Type: "GATEWAY_CONNECT", Data: "connected"})

		// Portal clients opt into their own device's diagnostic
		// stream by MAC.
		_ = client.On("diagnostic:subscribe", func(datas ...any) {
			raw, _ := firstString(datas)
			canonical, err := mac.Canonical(raw)
			if err != nil {
				_ = client.Emit("message", gatewayPayload{Type: "SUBSCRIBE_FAILED", Data: "invalid mac"})
				return
			}
			client.Join(socketio.Room(DeviceRoom(canonical)))
			_ = client.Emit("message", gatewayPayload{Type: "SUBSCRIBED", Data: canonical})
		})

		_ = client.On("diagnostic:unsubscribe", func(datas ...any) {
			raw, _ := firstString(datas)
			if canonical, err := mac.Canonical(raw); err == nil {
				client.Leave(socketio.Room(DeviceRoom(canonical)))
			}
		})

		_ = client.On("disconnect", func(_ ...any) {
			h.unregister <- clientMeta{sid: sid, room: RoomPortal}
		})
	})

	adminNS := h.sio.Of(namespaceAdmin, nil)
	_ = adminNS.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		token := normalizeToken(extractToken(client))
		if token == "" || h.adminTokenValidator == nil || !h.adminTokenValidator(token) {
			_ = client.Emit("message", gatewayPayload{Type: "AUTH_FAILED", Data: "auth failed"})
			client.Disconnect(true)
			return
		}

		sid := string(client.Id())
		h.register <- clientMeta{sid: sid, room: RoomAdmin}
		_ = client.Emit("message", gatewayPayload{Type: "GATEWAY_CONNECT", Data: "connected"})

		_ = client.On("disconnect", func(_ ...any) {
			h.unregister <- clientMeta{sid: sid, room: RoomAdmin}
		})
	})
}

func firstString(datas []any) (string, bool) {
	if len(datas) == 0 {
		return "", false
	}
	s, ok := datas[0].(string)
	return s, ok
}

func extractToken(client *socketio.Socket) string {
	handshake := client.Handshake()
	if handshake == nil {
		return ""
	}
	if token := firstValueFromMultiMap(handshake.Query, "token"); token != "" {
		return token
	}
	return firstValueFromMultiMap(handshake.Headers, "authorization")
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		if v := strings.TrimSpace(list[0]); v != "" {
			return v
		}
	}
	return ""
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

// Run starts the hub loop and Redis subscriber.
func (h *Hub) Run(ctx context.Context) {
	if h.rc != nil {
		go h.subscribeRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.sio.Close(nil)
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case msg := <-h.broadcast:
			h.deliver(msg)

			if h.rc != nil {
				channel := redisChanPortal
				if msg.Room == RoomAdmin {
					channel = redisChanAdmin
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if err := h.rc.Publish(ctx, channel, string(data)); err != nil {
					h.logger.Warn("gateway publish failed",
						zap.String("channel", channel), zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) registerClient(c clientMeta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if oldRoom, ok := h.sidRoom[c.sid]; ok {
		if oldRoom == c.room {
			return
		}
		if h.roomCount[oldRoom] > 0 {
			h.roomCount[oldRoom]--
		}
	}

	h.sidRoom[c.sid] = c.room
	h.roomCount[c.room]++
}

func (h *Hub) unregisterClient(c clientMeta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.sidRoom[c.sid]
	if !ok {
		return
	}
	delete(h.sidRoom, c.sid)
	if h.roomCount[room] > 0 {
		h.roomCount[room]--
	}
}

func (h *Hub) deliver(msg Message) {
	payload := gatewayPayload{Type: msg.Event, Data: msg.Payload}
	switch {
	case strings.HasPrefix(msg.Room, deviceRoomPrefix):
		// Device events reach the device's own room plus every admin.
		h.sio.Of(namespacePortal, nil).To(socketio.Room(msg.Room)).Emit("message", payload)
		h.sio.Of(namespaceAdmin, nil).Emit("message", payload)
	case msg.Room == RoomAdmin:
		h.sio.Of(namespaceAdmin, nil).Emit("message", payload)
	case msg.Room == RoomPortal:
		h.sio.Of(namespacePortal, nil).Emit("message", payload)
	default:
		h.sio.Of(namespaceAdmin, nil).Emit("message", payload)
		h.sio.Of(namespacePortal, nil).Emit("message", payload)
	}
}

// subscribeRedis listens for broadcasts from other server instances.
func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.rc.Subscribe(ctx, redisChanAdmin, redisChanPortal)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			h.deliver(msg)
		}
	}
}

// Broadcast sends an event to all clients in the given room (all
// namespaces when room is empty).
func (h *Hub) Broadcast(event string, payload interface{}, room string) {
	h.broadcast <- Message{Event: event, Payload: payload, Room: room}
}

// BroadcastAdmin sends to admin clients only.
func (h *Hub) BroadcastAdmin(event string, payload interface{}) {
	h.Broadcast(event, payload, RoomAdmin)
}

// BroadcastDevice sends to one device's diagnostic room (and admins).
func (h *Hub) BroadcastDevice(macAddr, event string, payload interface{}) {
	h.Broadcast(event, payload, DeviceRoom(macAddr))
}

// ClientCount returns the number of connected clients (optionally
// filtered by room).
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room == "" {
		return len(h.sidRoom)
	}
	return h.roomCount[room]
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}

// RegisterRoutes mounts socket.io and the stats endpoint.
func RegisterRoutes(rg *gin.RouterGroup, hub *Hub) {
	handler := gin.WrapH(hub.Handler())
	rg.Any("/socket.io", handler)
	rg.Any("/socket.io/*any", handler)

	rg.GET("/gateway/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"portal": hub.ClientCount(RoomPortal),
			"admin":  hub.ClientCount(RoomAdmin),
			"total":  hub.ClientCount(""),
		})
	})
}
