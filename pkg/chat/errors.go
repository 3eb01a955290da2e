package chat

import "fmt"

// ValidationError reports a request field that cannot be accepted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// InvalidIndexError reports a message index outside the conversation.
type InvalidIndexError struct {
	Index int
	Len   int
}

func (e InvalidIndexError) Error() string {
	return fmt.Sprintf("invalid message index %d: chat has %d messages", e.Index, e.Len)
}
