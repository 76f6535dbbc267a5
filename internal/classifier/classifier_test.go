package classifier

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// webpHeader is enough of a RIFF/WEBP file for format sniffing to fail.
var webpHeader = []byte("RIFF\x24\x00\x00\x00WEBPVP8 \x18\x00\x00\x00")

type fakeModels struct {
	mu           sync.Mutex
	calls        map[string]int
	contentTypes []string
	bodies       [][]byte
	failDetector bool
}

func (f *fakeModels) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		if f.calls == nil {
			f.calls = make(map[string]int)
		}
		f.calls[r.URL.Path]++
		f.contentTypes = append(f.contentTypes, r.Header.Get("Content-Type"))
		f.bodies = append(f.bodies, body)
		fail := f.failDetector
		f.mu.Unlock()

		switch r.URL.Path {
		case "/google/vit-base-patch16-224":
			w.Write([]byte(`[{"label": "Golden Retriever", "score": 0.91}, {"label": "Labrador retriever", "score": 0.04}]`))
		case "/facebook/detr-resnet-50":
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error": "Model facebook/detr-resnet-50 is currently loading"}`))
				return
			}
			w.Write([]byte(`[{"score": 0.99, "label": "dog", "box": {"xmin": 1, "ymin": 2, "xmax": 30, "ymax": 40}},
				{"score": 0.51, "label": "frisbee", "box": {"xmin": 5, "ymin": 5, "xmax": 9, "ymax": 9}}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClassifier(srvURL string, maxEdge int) *Classifier {
	return New(Config{
		APIBase:     srvURL,
		LabelModel:  "google/vit-base-patch16-224",
		DetectModel: "facebook/detr-resnet-50",
		MaxEdge:     maxEdge,
		Timeout:     5 * time.Second,
		Logger:      testLogger(),
	})
}

func TestAnalyze_MergesBothModels(t *testing.T) {
	models := &fakeModels{}
	srv := httptest.NewServer(models.handler(t))
	defer srv.Close()

	c := newTestClassifier(srv.URL, 0)
	res := c.Analyze(context.Background(), pngBytes(t, 8, 8), "image/png")
	if res == nil {
		t.Fatal("expected a result")
	}

	if len(res.Classifications) != 2 || res.Classifications[0].Label != "Golden Retriever" {
		t.Errorf("classifications not passed through: %+v", res.Classifications)
	}
	if len(res.Detections) != 2 || res.Detections[0].Class != "dog" || res.Detections[1].Class != "frisbee" {
		t.Errorf("detections not passed through in order: %+v", res.Detections)
	}
	if res.Detections[1].Confidence != 0.51 {
		t.Errorf("low-confidence detections must be kept, got %+v", res.Detections[1])
	}

	if models.calls["/google/vit-base-patch16-224"] != 1 || models.calls["/facebook/detr-resnet-50"] != 1 {
		t.Errorf("each model should be called once: %v", models.calls)
	}
}

func TestAnalyze_ModelFailureGivesNil(t *testing.T) {
	models := &fakeModels{failDetector: true}
	srv := httptest.NewServer(models.handler(t))
	defer srv.Close()

	c := newTestClassifier(srv.URL, 0)
	if res := c.Analyze(context.Background(), pngBytes(t, 4, 4), "image/png"); res != nil {
		t.Fatalf("expected nil when a model fails, got %+v", res)
	}
}

func TestAnalyze_UnreachableServiceGivesNil(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClassifier(url, 0)
	if res := c.Analyze(context.Background(), pngBytes(t, 4, 4), "image/png"); res != nil {
		t.Fatalf("expected nil, got %+v", res)
	}
}

func TestAnalyze_UnsupportedFormatSkipsModels(t *testing.T) {
	models := &fakeModels{}
	srv := httptest.NewServer(models.handler(t))
	defer srv.Close()

	c := newTestClassifier(srv.URL, 0)
	for _, data := range [][]byte{webpHeader, []byte("not an image"), nil} {
		if res := c.Analyze(context.Background(), data, "image/webp"); res != nil {
			t.Errorf("expected nil for unsupported data, got %+v", res)
		}
	}
	if len(models.calls) != 0 {
		t.Errorf("models should not be called for unsupported images: %v", models.calls)
	}
}

func TestAnalyze_DownscalesLargeImages(t *testing.T) {
	models := &fakeModels{}
	srv := httptest.NewServer(models.handler(t))
	defer srv.Close()

	c := newTestClassifier(srv.URL, 64)
	if res := c.Analyze(context.Background(), pngBytes(t, 400, 200), "image/png"); res == nil {
		t.Fatal("expected a result")
	}

	models.mu.Lock()
	defer models.mu.Unlock()
	for i, body := range models.bodies {
		if models.contentTypes[i] != "image/jpeg" {
			t.Errorf("resized upload should be jpeg, got %s", models.contentTypes[i])
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("upload is not an image: %v", err)
		}
		if cfg.Width != 64 || cfg.Height != 32 {
			t.Errorf("expected 64x32, got %dx%d", cfg.Width, cfg.Height)
		}
	}
}

func TestAnalyze_SmallImagesSentAsIs(t *testing.T) {
	models := &fakeModels{}
	srv := httptest.NewServer(models.handler(t))
	defer srv.Close()

	img := pngBytes(t, 16, 16)
	c := newTestClassifier(srv.URL, 64)
	c.Analyze(context.Background(), img, "image/png")

	models.mu.Lock()
	defer models.mu.Unlock()
	for i, body := range models.bodies {
		if !bytes.Equal(body, img) {
			t.Error("small image should be uploaded unchanged")
		}
		if models.contentTypes[i] != "image/png" {
			t.Errorf("expected image/png, got %s", models.contentTypes[i])
		}
	}
}

func TestPrepare_ReleaseReturnsBuffer(t *testing.T) {
	p, err := prepare(pngBytes(t, 300, 300), 50)
	if err != nil {
		t.Fatal(err)
	}
	if p.buf == nil || len(p.data) == 0 {
		t.Fatal("resized payload should own a pooled buffer")
	}
	p.release()
	if p.buf != nil || p.data != nil {
		t.Error("release should drop the buffer")
	}
	p.release()
}

func TestPrepare_UnsupportedFormat(t *testing.T) {
	_, err := prepare(webpHeader, 0)
	if err == nil || !strings.Contains(err.Error(), ErrUnsupportedFormat.Error()) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNop(t *testing.T) {
	if (Nop{}).Analyze(context.Background(), pngBytes(t, 2, 2), "image/png") != nil {
		t.Error("Nop should never return a result")
	}
}
