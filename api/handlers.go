package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

// ActorHeader carries the acting principal's id on every mutating request.
const ActorHeader = "X-Mnemo-Actor"

const actorLocal = "actor"

// requireActor parses the acting principal from the request header.
func (s *Server) requireActor(c *fiber.Ctx) error {
	raw := c.Get(ActorHeader)
	if raw == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: ActorHeader + " header required"})
	}
	actor, err := uuid.Parse(raw)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid " + ActorHeader + " header"})
	}
	c.Locals(actorLocal, actor)
	return c.Next()
}

func actor(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(actorLocal).(uuid.UUID)
	return id
}

func pathID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, storage.ValidationError{Reason: "invalid " + name + " parameter"}
	}
	return id, nil
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// CreateSessionRequest is the body for POST /sessions.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// SessionResponse is returned on session creation and forking.
type SessionResponse struct {
	ID uuid.UUID `json:"id"`
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, storage.ValidationError{Reason: "malformed request body"})
	}

	id, err := s.graph.CreateSession(c.Context(), actor(c), req.Title)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{ID: id})
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	sessions, err := s.graph.ListSessions(c.Context(), actor(c), limit, offset)
	if err != nil {
		return fail(c, err)
	}
	if sessions == nil {
		sessions = []*memory.Node{}
	}
	return c.JSON(sessions)
}

// ForkSessionRequest is the body for POST /sessions/:id/fork. ForkedAt
// is optional; when omitted the fork point is the parent's most recent
// message.
type ForkSessionRequest struct {
	ForkedAt *uuid.UUID `json:"forked_at,omitempty"`
}

func (s *Server) handleForkSession(c *fiber.Ctx) error {
	parentID, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	var req ForkSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, storage.ValidationError{Reason: "malformed request body"})
		}
	}

	childID, err := s.graph.ForkSession(c.Context(), parentID, actor(c), req.ForkedAt)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{ID: childID})
}

// AppendHistoryRequest is the body for POST /sessions/:id/messages.
type AppendHistoryRequest struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
}

// MessageResponse is returned on message and partial appends.
type MessageResponse struct {
	ID uuid.UUID `json:"id"`
}

func (s *Server) handleAppendHistory(c *fiber.Ctx) error {
	sessionID, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	var req AppendHistoryRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, storage.ValidationError{Reason: "malformed request body"})
	}

	id, err := s.graph.AppendHistory(c.Context(), sessionID, actor(c), req.Role, req.Content, memory.Metadata{})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(MessageResponse{ID: id})
}

// AppendPartialRequest is the body for POST /sessions/:id/partials.
type AppendPartialRequest struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
	Seq     int         `json:"seq"`
	Done    bool        `json:"done"`
}

func (s *Server) handleAppendPartial(c *fiber.Ctx) error {
	sessionID, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	var req AppendPartialRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, storage.ValidationError{Reason: "malformed request body"})
	}

	id, err := s.graph.AppendPartial(c.Context(), sessionID, actor(c), req.Role, req.Content, req.Seq, req.Done, memory.Metadata{})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(MessageResponse{ID: id})
}

// HistoryResponse contains the materialized conversation for a session.
type HistoryResponse struct {
	SessionID uuid.UUID        `json:"session_id"`
	Messages  []memory.Message `json:"messages"`
}

func (s *Server) handleMaterializeHistory(c *fiber.Ctx) error {
	sessionID, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	messages, err := s.resolver.MaterializeHistory(c.Context(), sessionID)
	if err != nil {
		return fail(c, err)
	}
	if messages == nil {
		messages = []memory.Message{}
	}
	return c.JSON(HistoryResponse{SessionID: sessionID, Messages: messages})
}

func (s *Server) handlePeekPartials(c *fiber.Ctx) error {
	sessionID, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	messages, err := s.resolver.PeekPartials(c.Context(), sessionID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(HistoryResponse{SessionID: sessionID, Messages: messages})
}

func (s *Server) handleGetMemory(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	node, err := s.graph.GetMemory(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(node)
}

func (s *Server) handleForgetMemory(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	if err := s.graph.ForgetMemory(c.Context(), id, actor(c)); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleQueryEdges(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	dir := storage.Direction(c.Query("direction", string(storage.DirectionOutgoing)))
	edges, err := s.graph.Edges(c.Context(), id, dir, c.Query("relation"))
	if err != nil {
		return fail(c, err)
	}
	if edges == nil {
		edges = []memory.Edge{}
	}
	return c.JSON(edges)
}

// ConnectRequest is the body for POST /edges.
type ConnectRequest struct {
	SourceID   uuid.UUID `json:"source_id"`
	TargetID   uuid.UUID `json:"target_id"`
	Relation   string    `json:"relation"`
	Strength   *float64  `json:"strength,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// EdgeResponse is returned on edge creation.
type EdgeResponse struct {
	ID uuid.UUID `json:"id"`
}

func (s *Server) handleConnectMemories(c *fiber.Ctx) error {
	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, storage.ValidationError{Reason: "malformed request body"})
	}

	opts := storage.EdgeOptions{Strength: req.Strength, Confidence: req.Confidence}
	id, err := s.graph.ConnectMemories(c.Context(), req.SourceID, req.TargetID, req.Relation, actor(c), opts)
	if err != nil {
		return fail(c, err)
	}

	s.logger.Debug("connected memories",
		zap.String("source_id", req.SourceID.String()),
		zap.String("target_id", req.TargetID.String()),
		zap.String("relation", req.Relation),
	)
	return c.Status(fiber.StatusCreated).JSON(EdgeResponse{ID: id})
}
