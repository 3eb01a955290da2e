package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/relay"
	"github.com/papercomputeco/chatproxy/pkg/sse"
)

// ChatListEntry is one row of GET /chats.
type ChatListEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ListChatsResponse is the body of GET /chats.
type ListChatsResponse struct {
	Status string          `json:"status"`
	Chats  []ChatListEntry `json:"chats"`
}

// ChatResponse carries a single conversation.
type ChatResponse struct {
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Chat    *conversation.Record `json:"chat"`
}

// MessageResponse acknowledges a mutation without returning the chat.
type MessageResponse struct {
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	RemovedMessage *conversation.Turn `json:"removed_message,omitempty"`
}

// ModelEntry is one row of GET /models.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModelsResponse is the body of GET /models.
type ListModelsResponse struct {
	Status string       `json:"status"`
	Models []ModelEntry `json:"models"`
}

// CreateChatRequest is the body of POST /chat.
type CreateChatRequest struct {
	Name        string   `json:"name"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
}

// UpdateChatRequest is the body of PUT /chat.
type UpdateChatRequest struct {
	Name    string `json:"name"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// DeleteMessageRequest is the body of DELETE /chat/message.
type DeleteMessageRequest struct {
	Name  string `json:"name"`
	Index *int   `json:"index"`
}

func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

func (s *Server) handleListModels(c *fiber.Ctx) error {
	models, err := s.models.Models(c.UserContext())
	if err != nil {
		s.logger.Warn("listing models failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{
			Status:  statusError,
			Message: fmt.Sprintf("%s%s", chat.UpstreamErrorPrefix, modelsDetail(err)),
		})
	}

	out := make([]ModelEntry, 0, len(models))
	for _, m := range models {
		out = append(out, ModelEntry{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
	}
	return c.JSON(ListModelsResponse{Status: statusSuccess, Models: out})
}

func modelsDetail(err error) string {
	var ue *inference.UpstreamError
	if errors.As(err, &ue) {
		return ue.Detail()
	}
	return err.Error()
}

func (s *Server) handleListChats(c *fiber.Ctx) error {
	summaries, err := s.chats.List(c.UserContext())
	if err != nil {
		return s.errorResponse(c, err)
	}

	out := make([]ChatListEntry, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, ChatListEntry{ID: sum.ID, Name: sum.ID, Model: sum.Model})
	}
	return c.JSON(ListChatsResponse{Status: statusSuccess, Chats: out})
}

func (s *Server) handleGetChat(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return badRequest(c, "Chat name parameter is required")
	}

	rec, err := s.chats.Get(c.UserContext(), name)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(ChatResponse{Status: statusSuccess, Chat: rec})
}

func (s *Server) handleDeleteChat(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return badRequest(c, "Chat name parameter is required")
	}

	if err := s.chats.Delete(c.UserContext(), name); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(MessageResponse{
		Status:  statusSuccess,
		Message: fmt.Sprintf("Chat '%s' deleted", name),
	})
}

func (s *Server) handleCreateChat(c *fiber.Ctx) error {
	var req CreateChatRequest
	if len(c.Body()) == 0 || c.BodyParser(&req) != nil {
		return badRequest(c, "JSON data is required")
	}
	if req.Name == "" {
		return badRequest(c, "Chat name is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return badRequest(c, "Model is required")
	}

	rec, err := s.chats.Create(c.UserContext(), chat.CreateParams{
		ID:          req.Name,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return s.errorResponse(c, err)
	}

	return c.JSON(ChatResponse{
		Status:  statusSuccess,
		Message: fmt.Sprintf("Chat '%s' created", rec.ID),
		Chat:    rec,
	})
}

// handleUpdateChat appends a user turn and streams the model's answer back as
// server-sent events. Once the stream has started, failures are reported as
// in-band error events rather than HTTP statuses.
func (s *Server) handleUpdateChat(c *fiber.Ctx) error {
	var req UpdateChatRequest
	if len(c.Body()) == 0 || c.BodyParser(&req) != nil {
		return badRequest(c, "JSON data is required")
	}
	if req.Name == "" || req.Message == nil || strings.TrimSpace(req.Message.Content) == "" {
		return badRequest(c, "Chat name and message are required")
	}

	// fasthttp recycles the request context once the handler returns, so the
	// exchange runs on its own context and is cancelled when the client goes
	// away and the body stream is closed.
	ctx, cancel := context.WithCancel(context.Background())

	ex, err := s.chats.Begin(ctx, req.Name, conversation.Turn{
		Role:    conversation.Role(req.Message.Role),
		Content: req.Message.Content,
	})
	if err != nil {
		cancel()
		return s.errorResponse(c, err)
	}

	s.headers.SetStreamResponseHeaders(c, req.Name)

	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		sink := relay.SinkFunc(func(ev relay.Event) error {
			if err := sse.WriteEvent(pw, ev.Wire()); err != nil {
				cancel()
				return err
			}
			return nil
		})

		res, err := ex.Stream(ctx, sink)
		if err != nil {
			s.logger.Error("chat exchange failed", "chat", req.Name, "error", err)
		} else {
			s.logger.Debug("chat exchange finished",
				"chat", req.Name,
				"state", res.State.String(),
				"chunks", res.Chunks,
				"client_gone", res.ClientGone,
			)
		}
		pw.Close()
	}()

	c.Context().Response.SetBodyStream(pr, -1)
	return nil
}

func (s *Server) handleDeleteMessage(c *fiber.Ctx) error {
	var req DeleteMessageRequest
	if len(c.Body()) == 0 || c.BodyParser(&req) != nil {
		return badRequest(c, "JSON data is required")
	}
	if req.Name == "" || req.Index == nil {
		return badRequest(c, "Chat name and message index are required")
	}

	removed, err := s.chats.DeleteMessage(c.UserContext(), req.Name, *req.Index)
	if err != nil {
		return s.errorResponse(c, err)
	}

	return c.JSON(MessageResponse{
		Status:         statusSuccess,
		Message:        fmt.Sprintf("Message at index %d deleted", *req.Index),
		RemovedMessage: &removed,
	})
}
