package handlers

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/normscan/internal/classifier"
	"github.com/Brownie44l1/normscan/internal/metrics"
	"github.com/Brownie44l1/normscan/internal/upload"
)

type stubPredictor struct {
	score float32
}

func (s stubPredictor) Predict(ctx context.Context, input []float32) (float32, error) {
	return s.score, nil
}

type testServer struct {
	router    *gin.Engine
	uploadDir string
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, score float32) *testServer {
	t.Helper()
	chdir(t, t.TempDir())
	return newTestServerWithUploadDir(t, score, filepath.Join("static", "uploads"))
}

func newTestServerWithUploadDir(t *testing.T, score float32, uploadDir string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := upload.NewStore(uploadDir)
	require.NoError(t, err)

	m := metrics.New()
	pipeline := classifier.New(stubPredictor{score: score}, 224, zap.NewNop(), classifier.WithMetrics(m))
	router, err := NewRouter(NewHandler(pipeline, store, zap.NewNop()), RouterConfig{
		StaticDir: "static",
		UploadDir: uploadDir,
		Metrics:   m,
	})
	require.NoError(t, err)

	return &testServer{router: router, uploadDir: uploadDir, metrics: m}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) uploads(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func multipartRequest(t *testing.T, field, filename string, payload []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename == "" && field == "" {
		require.NoError(t, writer.WriteField("note", "no file here"))
	} else {
		part, err := writer.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIndexGetRendersEmptyForm(t *testing.T) {
	s := newTestServer(t, 0.2)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `name="file"`)
	require.NotContains(t, body, "Prediction:")
	require.NotContains(t, body, "<img")
}

func TestIndexPostWithoutFilePart(t *testing.T) {
	s := newTestServer(t, 0.2)

	rec := s.do(multipartRequest(t, "", "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), MsgNoFilePart)
	require.Empty(t, s.uploads(t))

	form := url.Values{"file": {"not-a-file"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), MsgNoFilePart)
	require.Empty(t, s.uploads(t))
}

func TestIndexPostWithEmptyFilename(t *testing.T) {
	s := newTestServer(t, 0.2)

	rec := s.do(multipartRequest(t, "file", "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), MsgNoSelectedFile)
	require.Empty(t, s.uploads(t))
}

func TestIndexPostNonImageReportsPredictionError(t *testing.T) {
	s := newTestServer(t, 0.9)

	rec := s.do(multipartRequest(t, "file", "notes.txt", []byte("plain text, not pixels")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "Prediction: Error during prediction:")
	require.Contains(t, body, `src="/static/uploads/notes.txt"`)
	require.Equal(t, []string{"notes.txt"}, s.uploads(t))
}

func TestIndexPostImage(t *testing.T) {
	cases := []struct {
		score float32
		want  string
	}{
		{0.5, "Prediction: Normal"},
		{0.91, "Prediction: Abnormal"},
	}
	for _, tc := range cases {
		s := newTestServer(t, tc.score)

		rec := s.do(multipartRequest(t, "file", "chest scan.png", pngBytes(t)))
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		require.Contains(t, body, tc.want)
		require.Contains(t, body, `src="/static/uploads/chest_scan.png"`)

		img := s.do(httptest.NewRequest(http.MethodGet, "/static/uploads/chest_scan.png", nil))
		require.Equal(t, http.StatusOK, img.Code)
		require.Equal(t, pngBytes(t), img.Body.Bytes())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0.2)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpointCountsPredictions(t *testing.T) {
	s := newTestServer(t, 0.8)
	s.do(multipartRequest(t, "file", "a.png", pngBytes(t)))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `normscan_predictions_total{label="Abnormal"} 1`)
	require.Contains(t, string(body), `normscan_http_requests_total{method="POST",path="/",status="200"} 1`)
}

func TestRequestIDAndCORSHeaders(t *testing.T) {
	s := newTestServer(t, 0.2)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := s.do(req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(httptest.NewRequest(http.MethodOptions, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexPostWithAbsoluteUploadDir(t *testing.T) {
	chdir(t, t.TempDir())
	s := newTestServerWithUploadDir(t, 0.2, filepath.Join(t.TempDir(), "srv", "uploads"))
	payload := pngBytes(t)

	rec := s.do(multipartRequest(t, "file", "scan.png", payload))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "Prediction: Normal")
	require.Contains(t, body, `src="/uploads/scan.png"`)
	require.NotContains(t, body, `src="//`)

	img := s.do(httptest.NewRequest(http.MethodGet, "/uploads/scan.png", nil))
	require.Equal(t, http.StatusOK, img.Code)
	require.Equal(t, payload, img.Body.Bytes())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
