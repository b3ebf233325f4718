package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/adhamqabban37/TruthByte/internal/directory"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		client *Ollama
		ctx    context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ctx = context.Background()

		var err error
		client, err = NewOllama(server.URL()+"/", "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	reply := func(content string) http.HandlerFunc {
		return ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: content},
			Done:    true,
		})
	}

	Describe("AnalyzeIngredients", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(decodeBody(r, &req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Content).To(ContainSubstring("Ingredients: oats, honey"))
					Expect(req.Messages[1].Images).To(BeEmpty())
				},
				reply(`{"healthScore": 8, "healthRating": "B", "summary": "Whole grain."}`),
			))
		})

		It("returns the parsed summary", func() {
			summary, err := client.AnalyzeIngredients(ctx, directory.Product{
				Name:        "Oat Crunch",
				Ingredients: "oats, honey",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Summary).To(Equal("Whole grain."))
			Expect(summary.HealthScore).To(Equal(8.0))
		})
	})

	Describe("Recognize", func() {
		var frame []byte

		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, solid(8, 8), nil)).To(Succeed())
			frame = buf.Bytes()

			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(decodeBody(r, &req)).To(Succeed())
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				reply(`{"text": "INGREDIENTS: WATER", "confidence": 75}`),
			))
		})

		It("sends the frame and returns the transcription", func() {
			text, err := client.Recognize(ctx, frame, "image/jpeg")
			Expect(err).NotTo(HaveOccurred())
			Expect(text.Content).To(Equal("INGREDIENTS: WATER"))
			Expect(text.Confidence).To(Equal(75.0))
		})
	})

	When("the server returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down"))
		})

		It("includes the status in the error", func() {
			_, err := client.AnalyzeLabelText(ctx, "INGREDIENTS: SUGAR, SALT")
			Expect(err).To(MatchError(ContainSubstring("status 429")))
		})
	})

	When("the model replies with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(reply("I cannot help with that."))
		})

		It("returns a parse error", func() {
			_, err := client.AnalyzeLabelText(ctx, "INGREDIENTS: SUGAR, SALT")
			Expect(err).To(MatchError(ContainSubstring("parsing label analysis")))
		})
	})
})

var _ = Describe("prepareImageData", func() {
	It("passes small PNGs through untouched", func() {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, solid(10, 10))).To(Succeed())

		out, err := prepareImageData(buf.Bytes(), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(buf.Bytes()))
	})

	It("converts JPEG to a bounded PNG", func() {
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, solid(maxImageEdge+100, 50), nil)).To(Succeed())

		out, err := prepareImageData(buf.Bytes(), "image/jpeg")
		Expect(err).NotTo(HaveOccurred())

		cfg, err := png.DecodeConfig(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Width).To(Equal(maxImageEdge))
	})

	It("rejects unknown formats", func() {
		_, err := prepareImageData([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})
})

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	return img
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
