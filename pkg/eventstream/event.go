package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnPersisted is emitted after an exchange has been saved.
	EventTypeTurnPersisted = "chatproxy.turn.persisted"
)

// TurnPersistedEvent is a transport-neutral event payload for a saved exchange:
// the user turn that started it and, when the model produced any text, the
// assistant turn that answered.
type TurnPersistedEvent struct {
	SchemaVersion int                `json:"schema_version"`
	EventType     string             `json:"event_type"`
	EventID       string             `json:"event_id"`
	EmittedAt     time.Time          `json:"emitted_at"`
	ChatID        string             `json:"chat_id"`
	Model         string             `json:"model"`
	RequestMeta   TurnRequestMeta    `json:"request_meta"`
	User          conversation.Turn  `json:"user"`
	Assistant     *conversation.Turn `json:"assistant,omitempty"`

	// MessageCount is the length of the conversation after the save.
	MessageCount int `json:"message_count"`
}

// TurnRequestMeta captures exchange lifecycle metadata for the event.
type TurnRequestMeta struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	FirstByteMs int64     `json:"first_byte_ms"`
	Chunks      int       `json:"chunks"`

	// Outcome is the terminal relay state: "completed" or "failed".
	Outcome    string `json:"outcome"`
	ClientGone bool   `json:"client_gone,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewTurnPersistedEvent stamps a v1 event with a fresh id and emission time.
func NewTurnPersistedEvent(chatID, model string, now time.Time) *TurnPersistedEvent {
	return &TurnPersistedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeTurnPersisted,
		EventID:       uuid.NewString(),
		EmittedAt:     now.UTC(),
		ChatID:        chatID,
		Model:         model,
	}
}
