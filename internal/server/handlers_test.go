package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/history"
	"github.com/adhamqabban37/TruthByte/internal/scan"
)

var _ = Describe("Server", func() {
	var (
		analyzer    *fakeAnalyzer
		hist        *fakeHistory
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	noMachines := func(cam scan.Camera) (*scan.Machine, error) {
		return nil, errors.New("no machines in this test")
	}

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(analyzer, hist, noMachines, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.Handler().ServeHTTP)
	}

	postJSON := func(path, body string) *http.Response {
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeResult := func(resp *http.Response) analysis.Result {
		defer resp.Body.Close()
		var result analysis.Result
		Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
		return result
	}

	BeforeEach(func() {
		analyzer = &fakeAnalyzer{result: analysis.Result{
			Method:      analysis.MethodBarcode,
			ProductName: "Choco Spread",
			Analysis:    &analysis.TruthSummary{HealthScore: 3, HealthRating: "D", Summary: "Mostly sugar."},
		}}
		hist = newFakeHistory()
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/history")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("TruthByte"))
		})

		It("should accept requests with valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/history", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/history", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/analyze/barcode", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("handleAnalyzeBarcode", func() {
		When("a barcode is given", func() {
			It("should return the resolved result", func() {
				result := decodeResult(postJSON("/api/analyze/barcode", `{"barcode":" 3017620422003 "}`))
				Expect(result.Method).To(Equal(analysis.MethodBarcode))
				Expect(result.Barcode).To(Equal("3017620422003"))
				Expect(result.Analysis.HealthRating).To(Equal("D"))
				Expect(analyzer.Barcodes()).To(Equal([]string{"3017620422003"}))
			})

			It("should record the result in history", func() {
				decodeResult(postJSON("/api/analyze/barcode", `{"barcode":"3017620422003"}`))
				Expect(hist.Recorded()).To(HaveLen(1))
				Expect(hist.Recorded()[0].ProductName).To(Equal("Choco Spread"))
			})
		})

		When("the product is not found", func() {
			BeforeEach(func() {
				analyzer.result = analysis.Result{Method: analysis.MethodNone, Error: "Product not found."}
			})

			It("should return the miss without recording it", func() {
				result := decodeResult(postJSON("/api/analyze/barcode", `{"barcode":"000"}`))
				Expect(result.Method).To(Equal(analysis.MethodNone))
				Expect(result.Error).To(Equal("Product not found."))
				Expect(hist.Recorded()).To(BeEmpty())
			})
		})

		When("the barcode is empty", func() {
			It("should return status Bad Request", func() {
				resp := postJSON("/api/analyze/barcode", `{"barcode":"  "}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(analyzer.Barcodes()).To(BeEmpty())
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp := postJSON("/api/analyze/barcode", `barcode=123`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("Invalid request body"))
			})
		})
	})

	Describe("handleAnalyzeLabel", func() {
		BeforeEach(func() {
			analyzer.result = analysis.Result{Method: analysis.MethodOCR, ProductName: "Scanned Product"}
		})

		It("should resolve the label text", func() {
			result := decodeResult(postJSON("/api/analyze/label", `{"text":"Ingredients: sugar, palm oil, hazelnuts"}`))
			Expect(result.Method).To(Equal(analysis.MethodOCR))
			Expect(analyzer.labels).To(Equal([]string{"Ingredients: sugar, palm oil, hazelnuts"}))
		})

		It("should reject empty text", func() {
			resp := postJSON("/api/analyze/label", `{"text":""}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleAnalyzeImage", func() {
		upload := func(filename, contentType string) *http.Response {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
			if contentType != "" {
				h.Set("Content-Type", contentType)
			}
			part, err := writer.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			part.Write([]byte("fake image data"))
			writer.Close()

			resp, err := http.Post(ghttpServer.URL()+"/api/analyze/image", writer.FormDataContentType(), &b)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should pass the image and its content type to the analyzer", func() {
			decodeResult(upload("label.png", "image/png"))
			Expect(analyzer.images).To(HaveLen(1))
			Expect(string(analyzer.images[0])).To(Equal("fake image data"))
			Expect(analyzer.contentType).To(Equal("image/png"))
		})

		It("should guess the content type from the extension", func() {
			decodeResult(upload("IMG_0001.HEIC", "application/octet-stream"))
			Expect(analyzer.contentType).To(Equal("image/heic"))
		})

		It("should return status Bad Request without a file", func() {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			writer.WriteField("note", "no file here")
			writer.Close()

			resp, err := http.Post(ghttpServer.URL()+"/api/analyze/image", writer.FormDataContentType(), &b)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleListHistory", func() {
		BeforeEach(func() {
			hist.entries = []*history.Entry{{ID: "b", Name: "Newer"}, {ID: "a", Name: "Older"}}
		})

		It("should return the entries", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/history?limit=5")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var entries []*history.Entry
			Expect(json.NewDecoder(resp.Body).Decode(&entries)).To(Succeed())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Name).To(Equal("Newer"))
			Expect(hist.limit).To(Equal(5))
		})

		It("should reject a bad limit", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/history?limit=lots")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the store fails", func() {
			BeforeEach(func() {
				hist.listErr = errors.New("disk on fire")
			})

			It("should return status Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/history")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("handleDeleteHistory", func() {
		BeforeEach(func() {
			hist.entries = []*history.Entry{{ID: "entry-1"}}
		})

		It("should delete an existing entry", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/history/entry-1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(hist.deleted).To(Equal([]string{"entry-1"}))
		})

		It("should return status Not Found for a missing entry", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/history/missing", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleGetCapture", func() {
		BeforeEach(func() {
			hist.captures["frame.jpg"] = []byte("jpeg bytes")
		})

		It("should serve a stored capture", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/captures/frame.jpg")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("jpeg bytes"))
		})

		It("should return status Not Found for an unknown capture", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/captures/other.jpg")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
