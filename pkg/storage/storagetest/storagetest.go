// Package storagetest holds the behaviour every storage.Driver must share,
// expressed as ginkgo specs that each driver's suite runs against itself.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

// NewRecord returns a valid record with one user turn.
func NewRecord(id string) *conversation.Record {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := conversation.New(id, "qwen2.5-7b-instruct", now)
	rec.Append(conversation.Turn{Role: conversation.RoleUser, Content: "hello"})
	return rec
}

// DescribeDriver registers the shared driver specs. newDriver is called
// before each spec and must return an empty store.
func DescribeDriver(newDriver func() storage.Driver) {
	Describe("storage.Driver contract", func() {
		var (
			driver storage.Driver
			ctx    context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			driver = nil
			driver = newDriver()
		})

		AfterEach(func() {
			if driver != nil {
				Expect(driver.Close()).To(Succeed())
			}
		})

		Describe("Create and Load", func() {
			It("round-trips a record", func() {
				rec := NewRecord("round-trip")
				rec.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: "Hi there"})
				rec.Temperature = 0.2
				rec.MaxTokens = 512

				Expect(driver.Create(ctx, rec)).To(Succeed())

				got, err := driver.Load(ctx, "round-trip")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.ID).To(Equal(rec.ID))
				Expect(got.Model).To(Equal(rec.Model))
				Expect(got.Messages).To(Equal(rec.Messages))
				Expect(got.Temperature).To(Equal(0.2))
				Expect(got.MaxTokens).To(Equal(512))
				Expect(got.CreatedAt.Equal(rec.CreatedAt)).To(BeTrue())
				Expect(got.UpdatedAt.Equal(rec.UpdatedAt)).To(BeTrue())
			})

			It("returns a conflict and keeps the first record", func() {
				first := NewRecord("dup")
				Expect(driver.Create(ctx, first)).To(Succeed())

				second := NewRecord("dup")
				second.Model = "other-model"
				err := driver.Create(ctx, second)
				Expect(err).To(MatchError(storage.ConflictError{ID: "dup"}))

				got, err := driver.Load(ctx, "dup")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Model).To(Equal(first.Model))
			})

			It("lets exactly one concurrent create win", func() {
				var (
					wg        sync.WaitGroup
					mu        sync.Mutex
					succeeded int
				)

				for i := range 8 {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						defer GinkgoRecover()

						rec := NewRecord("race")
						rec.Model = fmt.Sprintf("model-%d", i)
						err := driver.Create(ctx, rec)
						if err == nil {
							mu.Lock()
							succeeded++
							mu.Unlock()
							return
						}
						Expect(err).To(BeAssignableToTypeOf(storage.ConflictError{}))
					}(i)
				}

				wg.Wait()
				Expect(succeeded).To(Equal(1))
			})

			It("returns not found for an unknown id", func() {
				_, err := driver.Load(ctx, "missing")
				Expect(err).To(MatchError(storage.NotFoundError{ID: "missing"}))
			})

			DescribeTable("rejects invalid identifiers before touching the backend",
				func(id string) {
					_, err := driver.Load(ctx, id)
					Expect(err).To(BeAssignableToTypeOf(storage.InvalidIDError{}))
					Expect(err).To(MatchError(conversation.ErrInvalidID))

					Expect(driver.Delete(ctx, id)).To(BeAssignableToTypeOf(storage.InvalidIDError{}))

					rec := NewRecord("placeholder")
					rec.ID = id
					Expect(driver.Create(ctx, rec)).To(BeAssignableToTypeOf(storage.InvalidIDError{}))
					Expect(driver.Save(ctx, rec)).To(BeAssignableToTypeOf(storage.InvalidIDError{}))
				},
				Entry("empty", ""),
				Entry("parent traversal", "../etc/passwd"),
				Entry("nested path", "a/b"),
				Entry("windows separator", `a\b`),
				Entry("hidden", ".secret"),
			)
		})

		Describe("Save", func() {
			It("replaces the stored record", func() {
				rec := NewRecord("replace")
				Expect(driver.Create(ctx, rec)).To(Succeed())

				rec.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: "Hello"})
				rec.Touch(rec.UpdatedAt.Add(time.Minute))
				Expect(driver.Save(ctx, rec)).To(Succeed())

				got, err := driver.Load(ctx, "replace")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Messages).To(HaveLen(2))
				Expect(got.Messages[1].Content).To(Equal("Hello"))
				Expect(got.UpdatedAt.After(got.CreatedAt)).To(BeTrue())
			})

			It("does not alias the caller's record", func() {
				rec := NewRecord("alias")
				Expect(driver.Create(ctx, rec)).To(Succeed())

				rec.Messages[0].Content = "mutated after save"

				got, err := driver.Load(ctx, "alias")
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Messages[0].Content).To(Equal("hello"))
			})

			It("rejects a record that fails validation", func() {
				rec := NewRecord("invalid")
				rec.Model = ""
				Expect(driver.Save(ctx, rec)).To(HaveOccurred())

				_, err := driver.Load(ctx, "invalid")
				Expect(err).To(BeAssignableToTypeOf(storage.NotFoundError{}))
			})
		})

		Describe("Delete", func() {
			It("removes the record", func() {
				Expect(driver.Create(ctx, NewRecord("gone"))).To(Succeed())
				Expect(driver.Delete(ctx, "gone")).To(Succeed())

				_, err := driver.Load(ctx, "gone")
				Expect(err).To(MatchError(storage.NotFoundError{ID: "gone"}))
			})

			It("returns not found for an unknown id", func() {
				Expect(driver.Delete(ctx, "missing")).To(MatchError(storage.NotFoundError{ID: "missing"}))
			})
		})

		Describe("List", func() {
			It("returns an empty listing for an empty store", func() {
				summaries, err := driver.List(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(summaries).To(BeEmpty())
			})

			It("returns summaries sorted by id and is stable across calls", func() {
				for _, id := range []string{"charlie", "alpha", "bravo", "alpha-2"} {
					Expect(driver.Create(ctx, NewRecord(id))).To(Succeed())
				}

				first, err := driver.List(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(first).To(Equal([]conversation.Summary{
					{ID: "alpha", Model: "qwen2.5-7b-instruct"},
					{ID: "alpha-2", Model: "qwen2.5-7b-instruct"},
					{ID: "bravo", Model: "qwen2.5-7b-instruct"},
					{ID: "charlie", Model: "qwen2.5-7b-instruct"},
				}))

				second, err := driver.List(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(second).To(Equal(first))
			})
		})
	})
}
