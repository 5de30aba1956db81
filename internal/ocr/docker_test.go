package ocr

import (
	"context"
	"testing"
	"time"

	"github.com/jackzampolin/autoocr/internal/testutil"
)

func TestDockerConfig_Defaults(t *testing.T) {
	if DefaultImage != "jbarlow83/ocrmypdf:latest" {
		t.Errorf("unexpected default image: %s", DefaultImage)
	}
}

func TestDockerEngine_Run(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	testutil.RequireDocker(t)

	e, err := NewDockerEngine(DockerConfig{
		WorkDir: t.TempDir(),
		Timeout: 5 * time.Minute,
		Labels:  testutil.ContainerLabels(t),
	})
	if err != nil {
		t.Fatalf("NewDockerEngine() error = %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := e.Check(ctx); err != nil {
		t.Skipf("ocr image unavailable: %v", err)
	}

	src := testutil.WriteFile(t, t.TempDir(), "scan.pdf", testutil.MinimalPDF("docker"))
	res, err := e.Run(ctx, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer res.Cleanup()

	if res.Pages != 1 {
		t.Errorf("Pages = %d, want 1", res.Pages)
	}
	if res.Size == 0 {
		t.Error("Size = 0")
	}
}

func TestDockerEngine_RejectsNonPDF(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	testutil.RequireDocker(t)

	e, err := NewDockerEngine(DockerConfig{
		WorkDir: t.TempDir(),
		Labels:  testutil.ContainerLabels(t),
	})
	if err != nil {
		t.Fatalf("NewDockerEngine() error = %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := e.Check(ctx); err != nil {
		t.Skipf("ocr image unavailable: %v", err)
	}

	src := testutil.WriteFile(t, t.TempDir(), "broken.pdf", []byte("not a pdf"))
	if _, err := e.Run(ctx, src); !IsEngineError(err) {
		t.Errorf("Run() error = %v, want EngineError", err)
	}
}
