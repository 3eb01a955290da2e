package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatproxy/pkg/chat"
	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/eventstream/nop"
	"github.com/papercomputeco/chatproxy/pkg/inference"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/relay"
	"github.com/papercomputeco/chatproxy/pkg/storage"
	"github.com/papercomputeco/chatproxy/pkg/storage/inmemory"
	"github.com/papercomputeco/chatproxy/proxy/worker"
)

func delta(content string) string {
	return `{"choices":[{"delta":{"content":"` + content + `"}}]}`
}

// streamOf answers every completion with the given fragments and [DONE].
func streamOf(fragments ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			fmt.Fprintf(w, "data: %s\n\n", delta(f))
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// brokenStreamOf sends the fragments and then drops the connection mid-body.
func brokenStreamOf(fragments ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: 100000\r\n\r\n")
		for _, f := range fragments {
			fmt.Fprintf(buf, "data: %s\n\n", delta(f))
		}
		Expect(buf.Flush()).To(Succeed())
	}
}

type failingSaveDriver struct {
	*inmemory.Driver
}

func (d *failingSaveDriver) Save(context.Context, *conversation.Record) error {
	return errors.New("disk full")
}

type collectingSink struct {
	mu        sync.Mutex
	events    []relay.Event
	failAfter int
}

func (s *collectingSink) Send(ev relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client disconnected")
	}
	s.events = append(s.events, ev)
	return nil
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		upstream *httptest.Server
		handler  http.HandlerFunc
		svc      *chat.Service
		pub      *nop.Publisher
		pool     *worker.Pool
		clock    time.Time
		received [][]conversation.Turn
		mu       sync.Mutex
	)

	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		received = nil
		handler = streamOf("Hel", "lo")

		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Messages []conversation.Turn `json:"messages"`
			}
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			mu.Lock()
			received = append(received, body.Messages)
			mu.Unlock()
			handler(w, r)
		}))

		client, err := inference.New(inference.Config{BaseURL: upstream.URL})
		Expect(err).NotTo(HaveOccurred())

		pub = nop.NewPublisher()
		pool, err = worker.NewPool(&worker.Config{Publisher: pub})
		Expect(err).NotTo(HaveOccurred())

		svc, err = chat.New(chat.Config{
			Driver:   driver,
			Upstream: client,
			Events:   pool,
			Logger:   logger.Nop(),
			Now:      tick,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		pool.Close()
		upstream.Close()
	})

	create := func(id string) *conversation.Record {
		rec, err := svc.Create(ctx, chat.CreateParams{ID: id, Model: "qwen"})
		Expect(err).NotTo(HaveOccurred())
		return rec
	}

	userTurn := func(content string) conversation.Turn {
		return conversation.Turn{Role: conversation.RoleUser, Content: content}
	}

	Describe("New", func() {
		It("requires a driver and an upstream", func() {
			_, err := chat.New(chat.Config{})
			Expect(err).To(HaveOccurred())

			_, err = chat.New(chat.Config{Driver: driver})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Create", func() {
		It("fills defaults and stores an empty conversation", func() {
			rec := create("alpha")

			Expect(rec.Messages).To(BeEmpty())
			Expect(rec.Temperature).To(Equal(0.7))
			Expect(rec.MaxTokens).To(Equal(-1))
			Expect(rec.CreatedAt).To(Equal(rec.UpdatedAt))

			stored, err := svc.Get(ctx, "alpha")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Model).To(Equal("qwen"))
		})

		It("honours explicit parameters", func() {
			temp, maxTokens := 0.1, 256
			rec, err := svc.Create(ctx, chat.CreateParams{ID: "p", Model: "qwen", Temperature: &temp, MaxTokens: &maxTokens})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Temperature).To(Equal(0.1))
			Expect(rec.MaxTokens).To(Equal(256))
		})

		It("reports a conflict and keeps the first record", func() {
			create("dup")
			_, err := svc.Create(ctx, chat.CreateParams{ID: "dup", Model: "other"})
			Expect(err).To(MatchError(storage.ConflictError{ID: "dup"}))

			stored, err := svc.Get(ctx, "dup")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Model).To(Equal("qwen"))
		})

		DescribeTable("rejects bad input",
			func(p chat.CreateParams, target any) {
				_, err := svc.Create(ctx, p)
				Expect(err).To(BeAssignableToTypeOf(target))
				Expect(driver.Count()).To(Equal(0))
			},
			Entry("missing model", chat.CreateParams{ID: "x"}, chat.ValidationError{}),
			Entry("traversal id", chat.CreateParams{ID: "../x", Model: "m"}, storage.InvalidIDError{}),
			Entry("empty id", chat.CreateParams{Model: "m"}, storage.InvalidIDError{}),
		)
	})

	Describe("List", func() {
		It("lists summaries sorted by id", func() {
			create("b")
			create("a")

			summaries, err := svc.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(Equal([]conversation.Summary{{ID: "a", Model: "qwen"}, {ID: "b", Model: "qwen"}}))
		})
	})

	Describe("AppendUserTurn", func() {
		It("relays the answer and stores both turns", func() {
			create("c")
			sink := &collectingSink{}

			res, err := svc.AppendUserTurn(ctx, "c", userTurn("Hi"), sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(relay.Completed))
			Expect(res.Text).To(Equal("Hello"))
			Expect(sink.events).To(HaveLen(3))
			Expect(sink.events[2].Kind).To(Equal(relay.Done))

			stored, err := svc.Get(ctx, "c")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(Equal([]conversation.Turn{
				userTurn("Hi"),
				{Role: conversation.RoleAssistant, Content: "Hello"},
			}))
			Expect(stored.UpdatedAt.After(stored.CreatedAt)).To(BeTrue())

			pool.Close()
			Expect(pub.Published()).To(Equal(1))
		})

		It("sends the full history upstream", func() {
			create("h")
			_, err := svc.AppendUserTurn(ctx, "h", userTurn("one"), &collectingSink{})
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.AppendUserTurn(ctx, "h", userTurn("two"), &collectingSink{})
			Expect(err).NotTo(HaveOccurred())

			Expect(received).To(HaveLen(2))
			Expect(received[1]).To(Equal([]conversation.Turn{
				userTurn("one"),
				{Role: conversation.RoleAssistant, Content: "Hello"},
				userTurn("two"),
			}))
		})

		It("defaults the role to user", func() {
			create("r")
			_, err := svc.AppendUserTurn(ctx, "r", conversation.Turn{Content: "Hi"}, &collectingSink{})
			Expect(err).NotTo(HaveOccurred())

			stored, err := svc.Get(ctx, "r")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages[0].Role).To(Equal(conversation.RoleUser))
		})

		It("rejects empty content without touching the record", func() {
			rec := create("e")
			_, err := svc.AppendUserTurn(ctx, "e", userTurn("   "), &collectingSink{})
			Expect(err).To(BeAssignableToTypeOf(chat.ValidationError{}))

			stored, err := svc.Get(ctx, "e")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(BeEmpty())
			Expect(stored.UpdatedAt).To(Equal(rec.UpdatedAt))
			Expect(received).To(BeEmpty())
		})

		It("reports a missing conversation and creates nothing", func() {
			_, err := svc.AppendUserTurn(ctx, "ghost", userTurn("Hi"), &collectingSink{})
			Expect(err).To(MatchError(storage.NotFoundError{ID: "ghost"}))
			Expect(driver.Count()).To(Equal(0))

			// The lock was released: a delete does not block.
			Expect(svc.Delete(ctx, "ghost")).To(MatchError(storage.NotFoundError{ID: "ghost"}))
		})

		It("keeps the partial answer when the upstream fails mid-stream", func() {
			handler = brokenStreamOf("Hel", "lo")
			create("partial")
			sink := &collectingSink{}

			res, err := svc.AppendUserTurn(ctx, "partial", userTurn("Hi"), sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(relay.Failed))
			Expect(res.Text).To(Equal("Hello"))

			last := sink.events[len(sink.events)-1]
			Expect(last.Kind).To(Equal(relay.Error))

			stored, err := svc.Get(ctx, "partial")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(HaveLen(2))
			Expect(stored.Messages[1]).To(Equal(conversation.Turn{Role: conversation.RoleAssistant, Content: "Hello"}))
		})

		It("sends one error event and keeps the user turn when the upstream refuses", func() {
			handler = func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, "model crashed")
			}
			create("refused")
			sink := &collectingSink{}

			res, err := svc.AppendUserTurn(ctx, "refused", userTurn("Hi"), sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.State).To(Equal(relay.Failed))
			Expect(sink.events).To(HaveLen(1))
			Expect(sink.events[0].Kind).To(Equal(relay.Error))
			Expect(sink.events[0].Wire()).To(Equal(`{"error":"LM Studio error: model crashed"}`))

			stored, err := svc.Get(ctx, "refused")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(Equal([]conversation.Turn{userTurn("Hi")}))
		})

		It("keeps the text received before the client went away", func() {
			handler = streamOf("Hel", "lo", " there")
			create("gone")
			sink := &collectingSink{failAfter: 1}

			res, err := svc.AppendUserTurn(ctx, "gone", userTurn("Hi"), sink)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ClientGone).To(BeTrue())

			stored, err := svc.Get(ctx, "gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(HaveLen(2))
			Expect(stored.Messages[1].Content).To(Equal("Hello"))
		})

		It("never loses a turn under concurrent appends to one conversation", func() {
			create("busy")
			const n = 8

			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := svc.AppendUserTurn(ctx, "busy", userTurn(fmt.Sprintf("msg %d", i)), &collectingSink{})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()

			stored, err := svc.Get(ctx, "busy")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(HaveLen(2 * n))
			for i := 0; i < 2*n; i += 2 {
				Expect(stored.Messages[i].Role).To(Equal(conversation.RoleUser))
				Expect(stored.Messages[i+1]).To(Equal(conversation.Turn{Role: conversation.RoleAssistant, Content: "Hello"}))
			}
		})
	})

	Describe("Begin and Abort", func() {
		It("releases the conversation without saving", func() {
			create("abort")

			ex, err := svc.Begin(ctx, "abort", userTurn("Hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ex.Record().Messages).To(HaveLen(1))
			ex.Abort()
			ex.Abort()

			stored, err := svc.Get(ctx, "abort")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(BeEmpty())

			_, err = ex.Stream(ctx, &collectingSink{})
			Expect(err).To(HaveOccurred())

			Expect(svc.Delete(ctx, "abort")).To(Succeed())
		})

		It("holds the conversation until the exchange finishes", func() {
			create("held")

			ex, err := svc.Begin(ctx, "held", userTurn("Hi"))
			Expect(err).NotTo(HaveOccurred())

			deleted := make(chan error, 1)
			go func() { deleted <- svc.Delete(ctx, "held") }()
			Consistently(deleted, 50*time.Millisecond).ShouldNot(Receive())

			_, err = ex.Stream(ctx, &collectingSink{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(deleted).Should(Receive(BeNil()))
		})
	})

	Describe("DeleteMessage", func() {
		BeforeEach(func() {
			create("d")
			_, err := svc.AppendUserTurn(ctx, "d", userTurn("first"), &collectingSink{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("removes the turn and compacts the rest", func() {
			removed, err := svc.DeleteMessage(ctx, "d", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(userTurn("first")))

			stored, err := svc.Get(ctx, "d")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Messages).To(Equal([]conversation.Turn{{Role: conversation.RoleAssistant, Content: "Hello"}}))
		})

		DescribeTable("rejects indices outside the conversation without writing",
			func(index int) {
				before, err := svc.Get(ctx, "d")
				Expect(err).NotTo(HaveOccurred())

				_, err = svc.DeleteMessage(ctx, "d", index)
				Expect(err).To(MatchError(chat.InvalidIndexError{Index: index, Len: 2}))

				after, err := svc.Get(ctx, "d")
				Expect(err).NotTo(HaveOccurred())
				Expect(after.Messages).To(Equal(before.Messages))
				Expect(after.UpdatedAt).To(Equal(before.UpdatedAt))
			},
			Entry("negative", -1),
			Entry("equal to length", 2),
			Entry("far past the end", 99),
		)

		It("reports a missing conversation", func() {
			_, err := svc.DeleteMessage(ctx, "nope", 0)
			Expect(err).To(MatchError(storage.NotFoundError{ID: "nope"}))
		})
	})

	Describe("Delete", func() {
		It("removes the conversation", func() {
			create("bye")
			Expect(svc.Delete(ctx, "bye")).To(Succeed())

			_, err := svc.Get(ctx, "bye")
			Expect(err).To(MatchError(storage.NotFoundError{ID: "bye"}))
		})

		It("rejects an invalid id", func() {
			Expect(svc.Delete(ctx, "a/b")).To(BeAssignableToTypeOf(storage.InvalidIDError{}))
		})
	})

	It("reports a failed save after the exchange", func() {
		failing := &failingSaveDriver{Driver: driver}
		client, err := inference.New(inference.Config{BaseURL: upstream.URL})
		Expect(err).NotTo(HaveOccurred())
		broken, err := chat.New(chat.Config{Driver: failing, Upstream: client})
		Expect(err).NotTo(HaveOccurred())

		create("s")
		sink := &collectingSink{}
		res, err := broken.AppendUserTurn(ctx, "s", userTurn("Hi"), sink)
		Expect(err).To(MatchError(ContainSubstring("disk full")))
		Expect(res.Text).To(Equal("Hello"))
		Expect(sink.events).To(HaveLen(3))
	})
})
