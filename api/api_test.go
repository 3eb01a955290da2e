package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/storage/inmemory"
	"github.com/papercomputeco/chatproxy/proxy/header"
)

type stubModels struct {
	models []inference.Model
	err    error
}

func (s stubModels) Models(context.Context) ([]inference.Model, error) {
	return s.models, s.err
}

func sseDelta(content string) string {
	return `{"choices":[{"delta":{"content":"` + content + `"}}]}`
}

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		upstream *httptest.Server
		handler  http.HandlerFunc
		models   stubModels
		server   *Server
	)

	do := func(method, target, body string) *http.Response {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, target, r)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := server.App().Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, into any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(into)).To(Succeed())
	}

	readAll := func(resp *http.Response) string {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	createChat := func(name string) {
		resp := do(http.MethodPost, "/chat", fmt.Sprintf(`{"name":%q,"model":"qwen2.5-7b-instruct"}`, name))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		models = stubModels{}
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", sseDelta("Hel"))
			fmt.Fprintf(w, "data: %s\n\n", sseDelta("lo"))
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		DeferCleanup(upstream.Close)

		client, err := inference.New(inference.Config{BaseURL: upstream.URL})
		Expect(err).NotTo(HaveOccurred())

		svc, err := chat.New(chat.Config{Driver: driver, Upstream: client, Logger: logger.Nop()})
		Expect(err).NotTo(HaveOccurred())

		server = NewServer(Config{ListenAddr: ":0"}, svc, &models, logger.Nop())
	})

	Describe("GET /ping", func() {
		It("answers pong", func() {
			resp := do(http.MethodGet, "/ping", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readAll(resp)).To(Equal(`"pong"`))
		})
	})

	Describe("POST /chat", func() {
		It("creates a chat with default parameters", func() {
			resp := do(http.MethodPost, "/chat", `{"name":"alpha","model":"qwen2.5-7b-instruct"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body ChatResponse
			decode(resp, &body)
			Expect(body.Status).To(Equal("success"))
			Expect(body.Message).To(Equal("Chat 'alpha' created"))
			Expect(body.Chat.ID).To(Equal("alpha"))
			Expect(body.Chat.Temperature).To(Equal(conversation.DefaultTemperature))
			Expect(body.Chat.MaxTokens).To(Equal(conversation.UnboundedTokens))
			Expect(body.Chat.Messages).To(BeEmpty())
		})

		It("honours explicit temperature and max_tokens", func() {
			resp := do(http.MethodPost, "/chat", `{"name":"alpha","model":"m","temperature":0.2,"max_tokens":256}`)
			var body ChatResponse
			decode(resp, &body)
			Expect(body.Chat.Temperature).To(Equal(0.2))
			Expect(body.Chat.MaxTokens).To(Equal(256))
		})

		It("rejects a duplicate name with 409 and keeps the original", func() {
			createChat("alpha")
			resp := do(http.MethodPost, "/chat", `{"name":"alpha","model":"other"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))

			var body ErrorResponse
			decode(resp, &body)
			Expect(body).To(Equal(ErrorResponse{Status: "error", Message: "Chat 'alpha' already exists"}))

			rec, err := driver.Load(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Model).To(Equal("qwen2.5-7b-instruct"))
		})

		DescribeTable("rejects bad requests",
			func(body, message string) {
				resp := do(http.MethodPost, "/chat", body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var out ErrorResponse
				decode(resp, &out)
				Expect(out.Message).To(ContainSubstring(message))
			},
			Entry("missing body", "", "JSON data is required"),
			Entry("malformed body", `{"name":`, "JSON data is required"),
			Entry("missing name", `{"model":"m"}`, "Chat name is required"),
			Entry("missing model", `{"name":"alpha"}`, "Model is required"),
			Entry("traversal name", `{"name":"../etc","model":"m"}`, "invalid"),
			Entry("negative temperature", `{"name":"alpha","model":"m","temperature":-1}`, "temperature"),
			Entry("zero max_tokens", `{"name":"alpha","model":"m","max_tokens":0}`, "max_tokens"),
		)
	})

	Describe("GET /chats", func() {
		It("returns an empty list", func() {
			var body ListChatsResponse
			decode(do(http.MethodGet, "/chats", ""), &body)
			Expect(body.Status).To(Equal("success"))
			Expect(body.Chats).To(BeEmpty())
		})

		It("lists chats ordered by name", func() {
			createChat("bravo")
			createChat("alpha")

			var body ListChatsResponse
			decode(do(http.MethodGet, "/chats", ""), &body)
			Expect(body.Chats).To(Equal([]ChatListEntry{
				{ID: "alpha", Name: "alpha", Model: "qwen2.5-7b-instruct"},
				{ID: "bravo", Name: "bravo", Model: "qwen2.5-7b-instruct"},
			}))
		})
	})

	Describe("GET /chat", func() {
		It("requires a name", func() {
			resp := do(http.MethodGet, "/chat", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var body ErrorResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Chat name parameter is required"))
		})

		It("returns 404 for an unknown chat", func() {
			resp := do(http.MethodGet, "/chat?name=ghost", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body ErrorResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Chat 'ghost' not found"))
		})

		It("returns the full record", func() {
			createChat("alpha")
			var body ChatResponse
			decode(do(http.MethodGet, "/chat?name=alpha", ""), &body)
			Expect(body.Chat.ID).To(Equal("alpha"))
			Expect(body.Chat.Model).To(Equal("qwen2.5-7b-instruct"))
		})
	})

	Describe("DELETE /chat", func() {
		It("deletes an existing chat", func() {
			createChat("alpha")
			resp := do(http.MethodDelete, "/chat?name=alpha", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body MessageResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Chat 'alpha' deleted"))
			Expect(driver.Count()).To(Equal(0))
		})

		It("returns 404 for an unknown chat", func() {
			resp := do(http.MethodDelete, "/chat?name=ghost", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("PUT /chat", func() {
		It("streams the answer and persists both turns", func() {
			createChat("alpha")

			resp := do(http.MethodPut, "/chat", `{"name":"alpha","message":{"content":"hi"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix(header.EventStreamContentType))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))

			body := readAll(resp)
			Expect(body).To(Equal(
				"data: " + sseDelta("Hel") + "\n\n" +
					"data: " + sseDelta("lo") + "\n\n" +
					"data: [DONE]\n\n",
			))

			rec, err := driver.Load(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Messages).To(Equal([]conversation.Turn{
				{Role: conversation.RoleUser, Content: "hi"},
				{Role: conversation.RoleAssistant, Content: "Hello"},
			}))
		})

		It("reports an upstream refusal in-band and keeps the user turn", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not loaded", http.StatusBadRequest)
			}
			createChat("alpha")

			resp := do(http.MethodPut, "/chat", `{"name":"alpha","message":{"role":"user","content":"hi"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := readAll(resp)
			Expect(body).To(HavePrefix(`data: {"error":"` + chat.UpstreamErrorPrefix))
			Expect(body).To(ContainSubstring("model not loaded"))

			rec, err := driver.Load(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Messages).To(Equal([]conversation.Turn{
				{Role: conversation.RoleUser, Content: "hi"},
			}))
		})

		It("returns 404 before streaming for an unknown chat", func() {
			resp := do(http.MethodPut, "/chat", `{"name":"ghost","message":{"content":"hi"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body ErrorResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Chat 'ghost' not found"))
		})

		DescribeTable("rejects bad requests",
			func(body string) {
				resp := do(http.MethodPut, "/chat", body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			},
			Entry("missing body", ""),
			Entry("missing message", `{"name":"alpha"}`),
			Entry("empty content", `{"name":"alpha","message":{"content":"  "}}`),
			Entry("missing name", `{"message":{"content":"hi"}}`),
		)

		It("rejects an unknown role", func() {
			createChat("alpha")
			resp := do(http.MethodPut, "/chat", `{"name":"alpha","message":{"role":"robot","content":"hi"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()

			rec, err := driver.Load(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Messages).To(BeEmpty())
		})
	})

	Describe("DELETE /chat/message", func() {
		BeforeEach(func() {
			createChat("alpha")
			resp := do(http.MethodPut, "/chat", `{"name":"alpha","message":{"content":"hi"}}`)
			readAll(resp)
		})

		It("removes the turn and shifts the rest down", func() {
			resp := do(http.MethodDelete, "/chat/message", `{"name":"alpha","index":0}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body MessageResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Message at index 0 deleted"))
			Expect(body.RemovedMessage).To(Equal(&conversation.Turn{Role: conversation.RoleUser, Content: "hi"}))

			rec, err := driver.Load(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Messages).To(Equal([]conversation.Turn{
				{Role: conversation.RoleAssistant, Content: "Hello"},
			}))
		})

		DescribeTable("rejects an out of range index without writing",
			func(index int) {
				resp := do(http.MethodDelete, "/chat/message", fmt.Sprintf(`{"name":"alpha","index":%d}`, index))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body ErrorResponse
				decode(resp, &body)
				Expect(body.Message).To(Equal("Invalid message index"))

				rec, err := driver.Load(ctx, "alpha")
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Messages).To(HaveLen(2))
			},
			Entry("negative", -1),
			Entry("equal to length", 2),
			Entry("far past the end", 99),
		)

		It("requires the index", func() {
			resp := do(http.MethodDelete, "/chat/message", `{"name":"alpha"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var body ErrorResponse
			decode(resp, &body)
			Expect(body.Message).To(Equal("Chat name and message index are required"))
		})

		It("returns 404 for an unknown chat", func() {
			resp := do(http.MethodDelete, "/chat/message", `{"name":"ghost","index":0}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("GET /models", func() {
		It("lists the upstream models", func() {
			models.models = []inference.Model{{ID: "qwen2.5-7b-instruct", OwnedBy: "organization_owner"}}

			var body ListModelsResponse
			decode(do(http.MethodGet, "/models", ""), &body)
			Expect(body.Models).To(Equal([]ModelEntry{
				{ID: "qwen2.5-7b-instruct", Object: "model", OwnedBy: "organization_owner"},
			}))
		})

		It("answers 502 when the upstream is unavailable", func() {
			models.err = &inference.UpstreamError{Err: errors.New("connection refused")}

			resp := do(http.MethodGet, "/models", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var body ErrorResponse
			decode(resp, &body)
			Expect(body.Message).To(HavePrefix(chat.UpstreamErrorPrefix))
		})
	})

	Describe("describe", func() {
		It("maps unknown errors to 500", func() {
			status, msg := describe(errors.New("boom"))
			Expect(status).To(Equal(http.StatusInternalServerError))
			Expect(msg).To(Equal("boom"))
		})
	})
})
