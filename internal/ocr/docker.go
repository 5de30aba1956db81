package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/jackzampolin/autoocr/internal/fault"
)

const (
	DefaultImage = "jbarlow83/ocrmypdf:latest"
	Label        = "autoocr-ocr"

	containerIn  = "/in"
	containerOut = "/out"
)

// DockerConfig configures a DockerEngine.
type DockerConfig struct {
	Image   string
	Args    []string
	WorkDir string
	Timeout time.Duration
	// Labels are added to every container (used for test cleanup).
	Labels map[string]string
	Logger *slog.Logger
}

// DockerEngine runs ocrmypdf in a throwaway container. The source directory
// is mounted read-only and the scratch directory read-write.
type DockerEngine struct {
	cli    *client.Client
	image  string
	args   []string
	work   string
	tmo    time.Duration
	labels map[string]string
	logger *slog.Logger
}

// NewDockerEngine creates a Docker client from the environment.
func NewDockerEngine(cfg DockerConfig) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	labels := map[string]string{Label: "true"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &DockerEngine{
		cli:    cli,
		image:  cfg.Image,
		args:   cfg.Args,
		work:   cfg.WorkDir,
		tmo:    cfg.Timeout,
		labels: labels,
		logger: cfg.Logger,
	}, nil
}

// Name identifies the engine in logs.
func (e *DockerEngine) Name() string { return "docker:" + e.image }

// Close closes the Docker client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// Check verifies the daemon is reachable and the image is present,
// pulling it if needed.
func (e *DockerEngine) Check(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}
	return e.ensureImage(ctx)
}

// Run OCRs src inside a fresh container.
func (e *DockerEngine) Run(ctx context.Context, src string) (*Result, error) {
	scratch, err := newScratch(e.work)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(src)
	res := &Result{dir: scratch, Path: filepath.Join(scratch, name)}

	start := time.Now()
	output, err := e.run(ctx, src, scratch)
	res.Duration = time.Since(start)
	if err != nil {
		res.Cleanup()
		return nil, err
	}

	size, pages, err := verify(e.Name(), src, res.Path)
	if err != nil {
		res.Cleanup()
		if output != "" {
			e.logger.Debug("ocr container output", "file", name, "output", output)
		}
		return nil, err
	}
	res.Size = size
	res.Pages = pages
	return res, nil
}

func (e *DockerEngine) run(ctx context.Context, src, scratch string) (string, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}
	name := filepath.Base(absSrc)

	runCtx, cancel := context.WithTimeout(ctx, e.tmo)
	defer cancel()

	cmd := append(append([]string{}, e.args...),
		containerIn+"/"+name,
		containerOut+"/"+name,
	)
	cfg := &container.Config{
		Image:  e.image,
		Cmd:    cmd,
		Labels: e.labels,
	}
	if runtime.GOOS != "windows" {
		// Output must be owned by us, not root.
		cfg.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: filepath.Dir(absSrc), Target: containerIn, ReadOnly: true},
			{Type: mount.TypeBind, Source: scratch, Target: containerOut},
		},
		NetworkMode: "none",
	}

	resp, err := e.cli.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, "autoocr-"+uuid.NewString()[:8])
	if err != nil {
		return "", e.daemonError(ctx, src, "create", err)
	}
	defer func() {
		// Removal must survive cancellation of the run.
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer rmCancel()
		if err := e.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("failed to remove ocr container", "id", resp.ID[:12], "error", err)
		}
	}()

	if err := e.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return "", e.daemonError(ctx, src, "start", err)
	}
	e.logger.Debug("running ocr", "engine", e.Name(), "file", name, "container", resp.ID[:12])

	waitCh, errCh := e.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var code int64
	select {
	case w := <-waitCh:
		code = w.StatusCode
		if w.Error != nil && w.Error.Message != "" {
			return "", fault.Transient("wait", src, errors.New(w.Error.Message))
		}
	case err := <-errCh:
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return e.logs(resp.ID), &EngineError{Engine: e.Name(), Source: src, Err: fmt.Errorf("%w after %s", ErrTimeout, e.tmo)}
		}
		return "", e.daemonError(ctx, src, "wait", err)
	}

	output := e.logs(resp.ID)
	if code != 0 {
		return output, classifyExit(e.Name(), src, int(code), output)
	}
	return output, nil
}

// logs returns the container's combined output, best effort.
func (e *DockerEngine) logs(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// daemonError reports a failure talking to the Docker daemon. These say
// nothing about the document and are retried.
func (e *DockerEngine) daemonError(ctx context.Context, src, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fault.Transient("docker "+op, src, err)
}

// ensureImage pulls the OCR image if not present.
func (e *DockerEngine) ensureImage(ctx context.Context) error {
	if _, err := e.cli.ImageInspect(ctx, e.image); err == nil {
		return nil
	}

	e.logger.Info("pulling ocr image", "image", e.image)
	reader, err := e.cli.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}
