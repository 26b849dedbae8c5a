// Package devserver is the reference notification server: it authenticates sockets, serves the
// group-buy notification events and exposes a small HTTP surface for producing notifications.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ecocart/groupnotify/internal/groupbuy"
	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/ecocart/groupnotify/internal/protocol"
	"github.com/ecocart/groupnotify/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "groupnotify_claims"

var (
	errMissingValidator = errors.New("token validator dependency required")
	errMissingUsers     = errors.New("user service dependency required")
	errMissingGroups    = errors.New("group-buy service dependency required")
)

// TokenValidator authenticates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (identity.Claims, error)
}

// UserRegistry records the profile of every authenticated caller.
type UserRegistry interface {
	Register(ctx context.Context, claims identity.Claims) (users.Profile, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Validator TokenValidator
	Users     UserRegistry
	Groups    *groupbuy.Service
	Rooms     *Rooms
	Logger    *zap.Logger
	// Context bounds every socket session; sockets close when it ends.
	Context context.Context
}

// NewHTTPHandler builds the gin router serving the notification socket and group-buy endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Groups == nil {
		return nil, errMissingGroups
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rooms := deps.Rooms
	if rooms == nil {
		rooms = NewRooms(logger.Named("rooms"))
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		users:     deps.Users,
		groups:    deps.Groups,
		rooms:     rooms,
		logger:    logger,
		baseCtx:   baseCtx,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleSocket)
	protected.POST("/groups", handler.handleCreateGroup)
	protected.POST("/groups/:groupId/invitations", handler.handleInvite)
	protected.POST("/groups/:groupId/messages", handler.handlePostMessage)

	return router, nil
}

type httpHandler struct {
	validator TokenValidator
	users     UserRegistry
	groups    *groupbuy.Service
	rooms     *Rooms
	logger    *zap.Logger
	baseCtx   context.Context
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type groupResponse struct {
	GroupID   string `json:"groupId"`
	Name      string `json:"name"`
	CreatorID string `json:"creatorId"`
}

type inviteRequest struct {
	ReceiverIDs []string `json:"receiverIds"`
	Message     string   `json:"message"`
}

type inviteResponse struct {
	Notification []protocol.GroupNotification `json:"notification"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	Recipients int       `json:"recipients"`
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	claims := h.claims(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}
	newSocketSession(conn, claims, h).serve(h.baseCtx)
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request createGroupRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group, err := h.groups.CreateGroup(c.Request.Context(), h.claims(c).UserID, request.Name)
	if err != nil {
		h.respondError(c, "create group failed", err)
		return
	}
	c.JSON(http.StatusCreated, groupResponse{GroupID: group.GroupID, Name: group.Name, CreatorID: group.CreatorID})
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ReceiverIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	invitations, err := h.groups.Invite(ctx, c.Param("groupId"), h.claims(c).UserID, request.ReceiverIDs, request.Message)
	if err != nil {
		h.respondError(c, "invite failed", err)
		return
	}
	notifications, err := h.groups.DescribeInvitations(ctx, invitations)
	if err != nil {
		h.respondError(c, "describe invitations failed", err)
		return
	}

	byReceiver := make(map[string][]protocol.GroupNotification)
	for index, invitation := range invitations {
		byReceiver[invitation.ReceiverID] = append(byReceiver[invitation.ReceiverID], notifications[index])
	}
	for receiverID, pushed := range byReceiver {
		h.publish(receiverID, protocol.EventReceiveNotification, protocol.ReceiveNotificationPayload{Notification: pushed})
	}
	c.JSON(http.StatusCreated, inviteResponse{Notification: notifications})
}

// handlePostMessage pushes a fresh snapshot to every other member, since chat has no incremental
// event on the wire.
func (h *httpHandler) handlePostMessage(c *gin.Context) {
	var request postMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	message, recipients, err := h.groups.PostMessage(ctx, c.Param("groupId"), h.claims(c).UserID, request.Content)
	if err != nil {
		h.respondError(c, "post message failed", err)
		return
	}
	for _, recipientID := range recipients {
		if h.rooms.Occupancy(recipientID) == 0 {
			continue
		}
		snapshot, err := h.groups.Snapshot(ctx, recipientID)
		if err != nil {
			h.logger.Error("snapshot failed", zap.String("user_id", recipientID), zap.Error(err))
			continue
		}
		h.publish(recipientID, protocol.EventPreviousNotification, snapshot)
	}
	c.JSON(http.StatusCreated, messageResponse{
		ID:         message.MessageID,
		GroupID:    message.GroupID,
		Content:    message.Content,
		SentAt:     time.Unix(message.SentAtSeconds, 0).UTC(),
		Recipients: len(recipients),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := identity.TokenFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := h.users.Register(c.Request.Context(), claims); err != nil {
		h.logger.Error("failed to register user profile", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) claims(c *gin.Context) identity.Claims {
	value, _ := c.Get(claimsContextKey)
	claims, _ := value.(identity.Claims)
	return claims
}

func (h *httpHandler) publish(userID, event string, payload any) {
	envelope, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	delivered := h.rooms.Publish(userID, envelope)
	h.logger.Debug("event published",
		zap.String("event", event),
		zap.String("user_id", userID),
		zap.Int("sockets", delivered))
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, groupbuy.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, groupbuy.ErrNotMember):
		status, code = http.StatusForbidden, "not_member"
	case errors.Is(err, groupbuy.ErrGroupNotFound):
		status, code = http.StatusNotFound, "group_not_found"
	}
	var serviceErr *groupbuy.ServiceError
	if errors.As(err, &serviceErr) && status == http.StatusInternalServerError {
		code = strings.ReplaceAll(serviceErr.Code(), ".", "_")
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
