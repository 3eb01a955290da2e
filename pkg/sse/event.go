// Package sse provides the small slice of Server-Sent Events handling the
// chatproxy relay needs: reading an upstream response line by line,
// recognising "data:" fields, and framing events for the downstream client.
//
// Only the "data" field is meaningful to the relay. Event types, ids and
// retry hints from the upstream are ignored.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"encoding/json"
	"io"
	"strings"
)

// Done is the payload an OpenAI-compatible server sends as its final event.
const Done = "[DONE]"

const dataField = "data:"

// CutData returns the payload of a "data:" line with a single optional space
// after the colon removed. ok is false for any other line, including
// comments and other fields.
func CutData(line string) (payload string, ok bool) {
	after, ok := strings.CutPrefix(line, dataField)
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(after, " "), true
}

// WriteEvent writes payload as one event: "data: <payload>\n\n". The payload
// must not contain newlines; upstream chunks and generated error bodies never
// do.
func WriteEvent(w io.Writer, payload string) error {
	_, err := io.WriteString(w, "data: "+payload+"\n\n")
	return err
}

// ErrorPayload renders {"error": "<message>"} with message JSON-escaped.
func ErrorPayload(message string) string {
	b, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(b)
}
