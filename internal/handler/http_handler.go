package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/audit"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/risk"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/response"
)

// Logical topics and event types published by the gateway API.
const (
	TopicConversationEvents = "conversation-events"
	TopicJobEvents          = "job-events"

	EventMessageSent       = "message_sent"
	EventProposalSubmitted = "proposal_submitted"
)

// MessageNamespace is the realtime namespace conversation messages fan out on.
const MessageNamespace = "messages"

// MessageFanout delivers a new message to every gateway instance.
type MessageFanout interface {
	PublishMessage(ctx context.Context, namespace string, msg domain.Message) error
}

// EventPublisher publishes integration events without failing the caller.
type EventPublisher interface {
	Topic(name string) string
	PublishAsync(ctx context.Context, topic, eventType string, data interface{}, correlationID string)
}

type SendMessageRequest struct {
	Content     string              `json:"content"`
	MessageType string              `json:"message_type"`
	Attachments []domain.Attachment `json:"attachments"`
}

type SubmitProposalRequest struct {
	CoverLetter   string  `json:"cover_letter" binding:"required"`
	BidAmount     float64 `json:"bid_amount" binding:"gte=0"`
	EstimatedDays int     `json:"estimated_days"`
}

// ProposalSubmitted is the data of a proposal_submitted event. ID is the
// proposal id and the event subject.
type ProposalSubmitted struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	FreelancerID  string    `json:"freelancer_id"`
	CoverLetter   string    `json:"cover_letter"`
	BidAmount     float64   `json:"bid_amount"`
	EstimatedDays int       `json:"estimated_days,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Handler serves the gateway HTTP API.
type Handler struct {
	fanout         MessageFanout
	events         EventPublisher
	gate           *risk.Gate
	authMiddleware *middleware.AuthMiddleware
	now            func() time.Time
}

// NewHandler creates the API handler. A nil gate disables risk scoring.
func NewHandler(fanout MessageFanout, events EventPublisher, gate *risk.Gate, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		fanout:         fanout,
		events:         events,
		gate:           gate,
		authMiddleware: authMiddleware,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) guard(entityType string) []gin.HandlerFunc {
	chain := []gin.HandlerFunc{h.authMiddleware.RequireAuth()}
	if h.gate != nil {
		chain = append(chain, h.gate.Gin(entityType, "id"))
	}
	return chain
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		conversations := api.Group("/conversations")
		conversations.POST("/:id/messages", append(h.guard("conversation"), h.SendMessage)...)

		jobs := api.Group("/jobs")
		jobs.POST("/:id/proposals", append(h.guard("job"), h.SubmitProposal)...)
	}
}

func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// SendMessage creates a message, fans it out to the conversation room and
// publishes message_sent. Only the fan-out can fail the request.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := middleware.GetUserID(c)
	if userID == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send message request")
		response.BadRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		response.BadRequest(c, "content is required")
		return
	}

	msgType := req.MessageType
	switch msgType {
	case "":
		msgType = domain.MessageTypeText
	case domain.MessageTypeText, domain.MessageTypeFile:
	default:
		response.BadRequest(c, "unsupported message_type: "+msgType)
		return
	}

	attachments := req.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: c.Param("id"),
		SenderID:       userID,
		Content:        req.Content,
		Type:           msgType,
		Attachments:    attachments,
		CreatedAt:      h.now(),
	}

	if err := h.fanout.PublishMessage(ctx, MessageNamespace, msg); err != nil {
		l.Error().Err(err).Str(log.FieldConversationID, msg.ConversationID).Msg("failed to fan out message")
		response.InternalError(c, "failed to deliver message")
		return
	}

	h.events.PublishAsync(ctx, h.events.Topic(TopicConversationEvents), EventMessageSent, msg, c.GetString(log.FieldRequestID))
	audit.LogTarget(ctx, audit.ActionSendMessage, userID, msg.ConversationID, "message sent")

	response.Created(c, msg)
}

// SubmitProposal publishes proposal_submitted for the job in the path.
func (h *Handler) SubmitProposal(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := middleware.GetUserID(c)
	if userID == "" {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var req SubmitProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind submit proposal request")
		response.BadRequest(c, err.Error())
		return
	}

	proposal := ProposalSubmitted{
		ID:            uuid.NewString(),
		JobID:         c.Param("id"),
		FreelancerID:  userID,
		CoverLetter:   req.CoverLetter,
		BidAmount:     req.BidAmount,
		EstimatedDays: req.EstimatedDays,
		SubmittedAt:   h.now(),
	}

	h.events.PublishAsync(ctx, h.events.Topic(TopicJobEvents), EventProposalSubmitted, proposal, c.GetString(log.FieldRequestID))
	audit.LogTarget(ctx, audit.ActionSubmitProposal, userID, proposal.JobID, "proposal submitted")

	response.Accepted(c, proposal)
}
