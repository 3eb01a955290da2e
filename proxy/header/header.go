// Package header provides header handling for the chatproxy relay.
//
// The relay sits between a chat client and a local inference server like so:
//
//	Client <--> chatproxy <--> Inference server
//
// and each leg negotiates its own headers. The client leg receives an event
// stream assembled by chatproxy; the upstream leg carries a JSON request that
// chatproxy builds itself, so no client headers are forwarded upstream.
package header

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/chatproxy/pkg/utils"
)

const (
	// EventStreamContentType is the media type of the relayed stream.
	EventStreamContentType = "text/event-stream"

	// ChatIDHeader echoes the conversation id on stream responses.
	ChatIDHeader = "X-Chatproxy-Chat"
)

// Handler manages headers on both legs of a relayed exchange.
type Handler struct {
	userAgent string
}

// NewHandler creates a new header Handler.
func NewHandler() *Handler {
	return &Handler{userAgent: "chatproxy/" + utils.Version}
}

// streamResponse is the set of headers written on every event-stream response
// to the downstream client.
var streamResponse = map[string]string{
	fiber.HeaderContentType:  EventStreamContentType,
	fiber.HeaderCacheControl: "no-cache",
	fiber.HeaderConnection:   "keep-alive",

	// Reverse proxies such as nginx buffer responses by default, which would
	// hold back every chunk until the stream ends.
	"X-Accel-Buffering": "no",
}

// SetUpstreamRequestHeaders sets the headers of an outgoing request to the
// inference server. stream selects the Accept header for a streaming
// completion.
func (h *Handler) SetUpstreamRequestHeaders(req *http.Request, stream bool) {
	if req.Body != nil && req.Body != http.NoBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", EventStreamContentType)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", h.userAgent)
}

// SetStreamResponseHeaders prepares the client response for an event stream
// relaying the conversation chatID.
func (h *Handler) SetStreamResponseHeaders(c *fiber.Ctx, chatID string) {
	for k, v := range streamResponse {
		c.Set(k, v)
	}
	c.Set(ChatIDHeader, chatID)
}
