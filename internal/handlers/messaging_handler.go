package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/kian-m/ConsultantAppBack/internal/metrics"
	"github.com/kian-m/ConsultantAppBack/internal/models"
	"github.com/kian-m/ConsultantAppBack/internal/realtime"
	"github.com/kian-m/ConsultantAppBack/internal/services"
	"github.com/kian-m/ConsultantAppBack/pkg/utils"
)

type messagingApplicationService interface {
	realtime.SessionStore
	ListMessagesPage(ctx context.Context, actorID, conversationID int64, page, limit int) ([]models.ChatMessage, int, error)
}

type MessagingHandler struct {
	service   messagingApplicationService
	feed      realtime.ChangeFeed
	jwtSecret string
}

func NewMessagingHandler(service messagingApplicationService, feed realtime.ChangeFeed, jwtSecret string) *MessagingHandler {
	return &MessagingHandler{
		service:   service,
		feed:      feed,
		jwtSecret: jwtSecret,
	}
}

type startConversationRequest struct {
	UserID       int64 `json:"user_id"`
	InstructorID int64 `json:"instructor_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessagingHandler) ListConversations(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), actorID)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *MessagingHandler) CreateConversation(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	role, _ := c.Locals("role").(string)

	var req startConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	// The caller only names the counterpart; their own side is implied by
	// their role.
	if req.UserID == 0 && role == string(models.RoleStudent) {
		req.UserID = actorID
	}
	if req.InstructorID == 0 && role == string(models.RoleInstructor) {
		req.InstructorID = actorID
	}

	conversation, err := h.service.GetOrCreateConversation(c.Context(), actorID, req.UserID, req.InstructorID)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *MessagingHandler) GetMessages(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := h.service.ListMessagesPage(c.Context(), actorID, conversationID, page, limit)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages":   messages,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *MessagingHandler) SendMessage(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	message, err := h.service.SendMessage(c.Context(), actorID, conversationID, req.Content)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *MessagingHandler) MarkConversationRead(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	conversation, err := h.service.MarkConversationRead(c.Context(), actorID, conversationID)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.JSON(fiber.Map{"conversation": conversation})
}

func (h *MessagingHandler) GetUnreadCount(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	total, err := h.service.UnreadTotal(c.Context(), actorID)
	if err != nil {
		return mapMessagingError(c, err)
	}

	return c.JSON(fiber.Map{"unread_count": total})
}

func (h *MessagingHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

// HandleWebSocket runs one messaging session for the lifetime of the
// connection. Session events stream out as JSON frames; `select`,
// `message`, and `start` command frames drive the session.
func (h *MessagingHandler) HandleWebSocket(conn *websocket.Conn) {
	userIDStr, _ := conn.Locals("user_id").(string)
	viewerID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || viewerID <= 0 {
		_ = conn.Close()
		return
	}

	client := newWSClient(conn)
	session := realtime.NewSession(h.service, h.feed, viewerID, client.enqueueEvent, 0)

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer client.stop()
	defer session.Close()

	go client.writePump()

	if err := session.Start(context.Background()); err != nil {
		// The failure already reached the client as an error frame.
		return
	}

	client.readPump(session)
}

func (h *MessagingHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

type wsCommand struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	UserID         int64  `json:"user_id,omitempty"`
	InstructorID   int64  `json:"instructor_id,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, 32),
	}
}

func (c *wsClient) enqueueEvent(event realtime.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("messaging ws: encode event: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		// Slow consumer; the client resyncs on reconnect.
		log.Printf("messaging ws: drop %s event, send buffer full", event.Type)
	}
}

func (c *wsClient) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *wsClient) readPump(session *realtime.Session) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.enqueueEvent(realtime.Event{Type: "error", Error: "invalid command payload"})
			continue
		}

		switch cmd.Type {
		case "select":
			_ = session.SelectConversation(context.Background(), cmd.ConversationID)
		case "message":
			_ = session.SendMessage(context.Background(), cmd.Content)
		case "start":
			_ = session.StartConversation(context.Background(), cmd.UserID, cmd.InstructorID)
		default:
			c.enqueueEvent(realtime.Event{Type: "error", Error: "unsupported command type"})
		}
	}
}

func parseActorID(c *fiber.Ctx) (int64, error) {
	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, errors.New("missing user id")
	}
	actorID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || actorID <= 0 {
		return 0, errors.New("invalid user id")
	}
	return actorID, nil
}

func mapMessagingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Please sign in again"})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrInstructorNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Instructor not found"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "Request timed out, try again"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process messaging request"})
	}
}
