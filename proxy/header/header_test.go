package header

import (
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SetUpstreamRequestHeaders", func() {
	var hh *Handler

	BeforeEach(func() {
		hh = NewHandler()
	})

	It("sets JSON and event-stream headers for a streaming completion", func() {
		req, err := http.NewRequest(http.MethodPost, "http://upstream/v1/chat/completions", strings.NewReader("{}"))
		Expect(err).NotTo(HaveOccurred())

		hh.SetUpstreamRequestHeaders(req, true)

		Expect(req.Header.Get("Content-Type")).To(Equal("application/json"))
		Expect(req.Header.Get("Accept")).To(Equal(EventStreamContentType))
		Expect(req.Header.Get("User-Agent")).To(HavePrefix("chatproxy/"))
	})

	It("omits Content-Type for a bodiless request", func() {
		req, err := http.NewRequest(http.MethodGet, "http://upstream/v1/models", nil)
		Expect(err).NotTo(HaveOccurred())

		hh.SetUpstreamRequestHeaders(req, false)

		Expect(req.Header.Get("Content-Type")).To(BeEmpty())
		Expect(req.Header.Get("Accept")).To(Equal("application/json"))
	})
})

var _ = Describe("SetStreamResponseHeaders", func() {
	var app *fiber.App

	BeforeEach(func() {
		app = fiber.New()
	})

	AfterEach(func() {
		app.Shutdown()
	})

	It("marks the response as an uncached event stream", func() {
		hh := NewHandler()
		app.Put("/chat", func(c *fiber.Ctx) error {
			hh.SetStreamResponseHeaders(c, "abc")
			return c.SendString("data: [DONE]\n\n")
		})

		resp, err := app.Test(httptest.NewRequest(http.MethodPut, "/chat", nil))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.Header.Get("Content-Type")).To(Equal(EventStreamContentType))
		Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
		Expect(resp.Header.Get("X-Accel-Buffering")).To(Equal("no"))
		Expect(resp.Header.Get(ChatIDHeader)).To(Equal("abc"))
	})
})
