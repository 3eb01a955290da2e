package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatproxy/pkg/eventstream"
	"github.com/papercomputeco/chatproxy/pkg/eventstream/nop"
	"github.com/papercomputeco/chatproxy/pkg/logger"
)

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
	err     error
}

func (b *blockingPublisher) PublishTurn(ctx context.Context, event *eventstream.TurnPersistedEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, event.ChatID)
	return b.err
}

func (b *blockingPublisher) Close() error { return nil }

func (b *blockingPublisher) chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen...)
}

func newEvent(chatID string) *eventstream.TurnPersistedEvent {
	return eventstream.NewTurnPersistedEvent(chatID, "test-model", time.Now())
}

var _ = Describe("Worker Pool", func() {
	Describe("NewPool", func() {
		It("requires a publisher", func() {
			_, err := NewPool(&Config{})
			Expect(err).To(HaveOccurred())
		})

		It("applies defaults", func() {
			cfg := &Config{Publisher: nop.NewPublisher()}
			wp, err := NewPool(cfg)
			Expect(err).NotTo(HaveOccurred())
			defer wp.Close()

			Expect(cfg.NumWorkers).To(Equal(defaultNumWorkers))
			Expect(cfg.QueueSize).To(Equal(defaultJobQueueSize))
			Expect(cfg.PublishTimeout).To(Equal(defaultPublishTimeout))
		})
	})

	Describe("Enqueue", func() {
		It("publishes queued events before Close returns", func() {
			pub := nop.NewPublisher()
			wp, err := NewPool(&Config{Publisher: pub, Logger: logger.Nop()})
			Expect(err).NotTo(HaveOccurred())

			for range 10 {
				Expect(wp.Enqueue(Job{Event: newEvent("chat")})).To(BeTrue())
			}
			wp.Close()

			Expect(pub.Published()).To(Equal(10))
		})

		It("drops jobs when the queue is full", func() {
			pub := &blockingPublisher{release: make(chan struct{})}
			wp, err := NewPool(&Config{Publisher: pub, NumWorkers: 1, QueueSize: 1})
			Expect(err).NotTo(HaveOccurred())

			Expect(wp.Enqueue(Job{Event: newEvent("first")})).To(BeTrue())
			// The single worker holds "first"; wait until it has taken it.
			Eventually(func() int { return len(wp.queue) }).Should(Equal(0))

			Expect(wp.Enqueue(Job{Event: newEvent("second")})).To(BeTrue())
			Expect(wp.Enqueue(Job{Event: newEvent("third")})).To(BeFalse())

			close(pub.release)
			wp.Close()
			Expect(pub.chats()).To(Equal([]string{"first", "second"}))
		})

		It("rejects nil events", func() {
			wp, err := NewPool(&Config{Publisher: nop.NewPublisher()})
			Expect(err).NotTo(HaveOccurred())
			defer wp.Close()

			Expect(wp.Enqueue(Job{})).To(BeFalse())
		})

		It("drops jobs after Close without panicking", func() {
			wp, err := NewPool(&Config{Publisher: nop.NewPublisher()})
			Expect(err).NotTo(HaveOccurred())
			wp.Close()
			wp.Close()

			Expect(wp.Enqueue(Job{Event: newEvent("late")})).To(BeFalse())
		})
	})

	Describe("processJob", func() {
		It("survives publish failures", func() {
			pub := &blockingPublisher{release: make(chan struct{}), err: errors.New("broker down")}
			close(pub.release)

			wp, err := NewPool(&Config{Publisher: pub})
			Expect(err).NotTo(HaveOccurred())

			Expect(wp.Enqueue(Job{Event: newEvent("a")})).To(BeTrue())
			Expect(wp.Enqueue(Job{Event: newEvent("b")})).To(BeTrue())
			wp.Close()

			Expect(pub.chats()).To(ConsistOf("a", "b"))
		})

		It("bounds each publish with the timeout", func() {
			pub := &blockingPublisher{release: make(chan struct{})}
			wp, err := NewPool(&Config{Publisher: pub, PublishTimeout: 10 * time.Millisecond})
			Expect(err).NotTo(HaveOccurred())

			Expect(wp.Enqueue(Job{Event: newEvent("slow")})).To(BeTrue())

			done := make(chan struct{})
			go func() {
				wp.Close()
				close(done)
			}()
			Eventually(done).Should(BeClosed())
			Expect(pub.chats()).To(BeEmpty())
		})
	})
})
