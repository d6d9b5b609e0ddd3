package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/clipembed/internal/clip/cliptest"
	"github.com/xxxsen/clipembed/internal/encoder"
	"github.com/xxxsen/clipembed/internal/lifecycle"
	"github.com/xxxsen/clipembed/internal/metrics"
	"github.com/xxxsen/clipembed/internal/middleware"
	"github.com/xxxsen/clipembed/internal/model"
	"github.com/xxxsen/clipembed/internal/service"
)

type testEnv struct {
	router  http.Handler
	manager *lifecycle.Manager
	gate    chan struct{}
	ctl     *cliptest.Controls
}

func setupRouter(t *testing.T, uploadLimit int64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, cliptest.WriteWeights(dir, model.ModelArch))
	gate := make(chan struct{})
	ctl := cliptest.Register(gate)
	manager := lifecycle.NewManager(lifecycle.Options{Dir: dir, Backend: cliptest.Backend})

	m := metrics.New()
	svc := service.NewEmbedService(manager, encoder.New(manager), m)
	deps := RouterDeps{
		Health:  NewHealthHandler(svc),
		Embed:   NewEmbedHandler(svc, uploadLimit),
		Metrics: m.Handler(),
	}
	router, err := webapi.NewEngine("/", "127.0.0.1:0",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(middleware.TraceHeader(), middleware.Metrics(m)),
	)
	require.NoError(t, err)
	return &testEnv{router: router, manager: manager, gate: gate, ctl: ctl}
}

// start loads the model, optionally waiting until it is ready.
func (e *testEnv) start(t *testing.T, wait bool) {
	t.Helper()
	go func() { _ = e.manager.Initialize(context.Background()) }()
	if !wait {
		return
	}
	close(e.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.manager.WaitReady(ctx))
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T, w, h int, fill color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "image.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/embed", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func textQueryRequest(text string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/embed_text?text="+url.QueryEscape(text), nil)
}

func decodeEmbedding(t *testing.T, rec *httptest.ResponseRecorder) []float32 {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.EmbeddingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Embedding, model.EmbeddingDim)
	var sum float64
	for _, v := range resp.Embedding {
		sum += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
	return resp.Embedding
}

func TestHealth_LoadingThenOK(t *testing.T) {
	env := setupRouter(t, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"loading"}`, rec.Body.String())

	env.start(t, false)
	require.Eventually(t, func() bool { return env.manager.State() == lifecycle.StateLoading }, time.Second, time.Millisecond)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.JSONEq(t, `{"status":"loading"}`, rec.Body.String())

	close(env.gate)
	require.NoError(t, env.manager.WaitReady(context.Background()))
	for i := 0; i < 3; i++ {
		rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"ok","device":"cpu"}`, rec.Body.String())
	}
}

func TestEmbed_NotReady(t *testing.T) {
	env := setupRouter(t, 0)

	req := imageRequest(t, "file", pngBytes(t, 4, 4, color.White))
	req.Header.Set("X-Request-Id", "req-42")
	rec := env.do(req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"detail":"Model not initialized"}`, rec.Body.String())
	require.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	rec = env.do(textQueryRequest("a cat"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"detail":"Model not initialized"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodPost, "/embed_text", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEmbed_Image(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)

	red := pngBytes(t, 32, 20, color.NRGBA{R: 255, A: 255})
	a := decodeEmbedding(t, env.do(imageRequest(t, "file", red)))
	b := decodeEmbedding(t, env.do(imageRequest(t, "file", red)))
	require.Equal(t, a, b)

	translucent := pngBytes(t, 8, 8, color.NRGBA{R: 10, G: 200, B: 30, A: 40})
	c := decodeEmbedding(t, env.do(imageRequest(t, "file", translucent)))
	require.NotEqual(t, a, c)

	gray := image.NewGray(image.Rect(0, 0, 5, 5))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gray))
	decodeEmbedding(t, env.do(imageRequest(t, "file", buf.Bytes())))
}

func TestEmbed_InvalidImageDoesNotPoisonService(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)

	rec := env.do(imageRequest(t, "file", []byte("definitely not an image")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["detail"])

	decodeEmbedding(t, env.do(imageRequest(t, "file", pngBytes(t, 4, 4, color.Black))))
}

func TestEmbed_InferenceFailure(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)
	env.ctl.SetInferErr(context.DeadlineExceeded)

	rec := env.do(textQueryRequest("a cat"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"context deadline exceeded"}`, rec.Body.String())

	env.ctl.SetInferErr(nil)
	decodeEmbedding(t, env.do(textQueryRequest("a cat")))
}

func TestEmbed_MissingField(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)

	rec := env.do(imageRequest(t, "image", pngBytes(t, 4, 4, color.White)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"detail":"field required: file"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodPost, "/embed_text", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"detail":"field required: text"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/embed_text", strings.NewReader(`{"query":"a cat"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEmbedText_Sources(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)

	fromQuery := decodeEmbedding(t, env.do(textQueryRequest("一张猫的照片")))

	form := url.Values{"text": {"一张猫的照片"}}
	req := httptest.NewRequest(http.MethodPost, "/embed_text", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fromForm := decodeEmbedding(t, env.do(req))

	req = httptest.NewRequest(http.MethodPost, "/embed_text", strings.NewReader(`{"text":"一张猫的照片"}`))
	req.Header.Set("Content-Type", "application/json")
	fromJSON := decodeEmbedding(t, env.do(req))

	require.Equal(t, fromQuery, fromForm)
	require.Equal(t, fromQuery, fromJSON)

	other := decodeEmbedding(t, env.do(textQueryRequest("一张狗的照片")))
	require.NotEqual(t, fromQuery, other)

	decodeEmbedding(t, env.do(textQueryRequest("")))
}

func TestEmbed_UploadLimit(t *testing.T) {
	env := setupRouter(t, 1024)
	env.start(t, true)

	rec := env.do(imageRequest(t, "file", bytes.Repeat([]byte{0xff}, 4096)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.JSONEq(t, `{"detail":"file too large, max 1MB"}`, rec.Body.String())

	decodeEmbedding(t, env.do(imageRequest(t, "file", pngBytes(t, 2, 2, color.White))))
}

func TestEmbed_Concurrent(t *testing.T) {
	env := setupRouter(t, 0)
	env.start(t, true)

	want := decodeEmbedding(t, env.do(textQueryRequest("a photo of a cat")))
	var wg sync.WaitGroup
	results := make([][]float32, 16)
	codes := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := env.do(textQueryRequest("a photo of a cat"))
			codes[i] = rec.Code
			var resp model.EmbeddingResponse
			if json.Unmarshal(rec.Body.Bytes(), &resp) == nil {
				results[i] = resp.Embedding
			}
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.Equal(t, http.StatusOK, codes[i])
		require.Equal(t, want, results[i])
	}
}

func TestMetricsRoute(t *testing.T) {
	env := setupRouter(t, 0)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestFormatUploadLimit(t *testing.T) {
	require.Equal(t, "0MB", formatUploadLimit(0))
	require.Equal(t, "1MB", formatUploadLimit(10))
	require.Equal(t, "20MB", formatUploadLimit(20*1024*1024))
}

func TestUploadLimitBytes(t *testing.T) {
	require.Equal(t, int64(0), UploadLimitBytes(0))
	require.Equal(t, int64(0), UploadLimitBytes(-3))
	require.Equal(t, int64(5*1024*1024), UploadLimitBytes(5))
}
