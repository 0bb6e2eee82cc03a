package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

// DefaultImage is used when no sandbox image is configured. It ships both
// python3 and bash.
const DefaultImage = "python:3.12-slim"

const containerWorkdir = "/sandbox"

var dockerLimitations = []string{
	"Execution runs in a disposable container with networking disabled.",
	"Filesystem isolation covers a bind-mounted temporary working directory only.",
}

// Docker runs each request in a throwaway container. The working directory
// is a host temp dir bind-mounted into the container, so artifacts can be
// collected after the container exits.
type Docker struct {
	cli    *client.Client
	image  string
	logger *slog.Logger
}

var _ Runner = (*Docker)(nil)

// NewDocker creates the container-per-execution runner using the local
// Docker daemon from the environment.
func NewDocker(img string, logger *slog.Logger) (*Docker, error) {
	if logger == nil {
		logger = nopLogger
	}
	if img == "" {
		img = DefaultImage
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, image: img, logger: logger}, nil
}

func (d *Docker) Name() string { return BackendDocker }

// Run executes req in a new container and removes it afterwards.
func (d *Docker) Run(ctx context.Context, req Request) (Result, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	dir, err := os.MkdirTemp("", "ninth-seat-sandbox-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(dir)
	// The bind mount is written by the container's user as well.
	if err := os.Chmod(dir, 0o777); err != nil {
		return Result{}, err
	}
	if err := materialize(dir, req); err != nil {
		return Result{}, err
	}

	command := commandFor(req.Language)
	hasStdin := req.Stdin != ""
	cfg := &container.Config{
		Image:           d.image,
		Cmd:             strslice.StrSlice(command),
		WorkingDir:      containerWorkdir,
		Env:             containerEnv(),
		NetworkDisabled: true,
		OpenStdin:       hasStdin,
		StdinOnce:       hasStdin,
		AttachStdin:     hasStdin,
		AttachStdout:    true,
		AttachStderr:    true,
	}
	pids := int64(64)
	host := &container.HostConfig{
		Binds: []string{dir + ":" + containerWorkdir},
		Resources: container.Resources{
			Memory:     int64(req.MemoryLimitMB) << 20,
			MemorySwap: int64(req.MemoryLimitMB) << 20,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "cpu", Soft: int64(math.Ceil(req.TimeoutSeconds)) + 1, Hard: int64(math.Ceil(req.TimeoutSeconds)) + 1},
				{Name: "fsize", Soft: 5 << 20, Hard: 5 << 20},
				{Name: "nofile", Soft: 64, Hard: 64},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil && client.IsErrNotFound(err) {
		if pullErr := d.pullImage(ctx); pullErr != nil {
			return Result{}, pullErr
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	}
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	id := created.ID
	defer d.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})

	attach, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  hasStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attach sandbox container: %w", err)
	}
	defer attach.Close()

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := d.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	if hasStdin {
		go func() {
			io.Copy(attach.Conn, strings.NewReader(req.Stdin))
			attach.CloseWrite()
		}()
	}

	stdout := NewCapWriter(req.MaxOutputChars)
	stderr := NewCapWriter(req.MaxOutputChars)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	waitCh, waitErrCh := d.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	res := Result{
		Language:       req.Language,
		Command:        command,
		TimeoutSeconds: req.TimeoutSeconds,
		MemoryLimitMB:  req.MemoryLimitMB,
		Limitations:    dockerLimitations,
	}

	select {
	case wait := <-waitCh:
		code := int(wait.StatusCode)
		res.ReturnCode = &code
	case err := <-waitErrCh:
		d.cli.ContainerKill(context.Background(), id, "KILL")
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if runCtx.Err() != context.DeadlineExceeded {
			return Result{}, fmt.Errorf("wait sandbox container: %w", err)
		}
		res.TimedOut = true
	case <-runCtx.Done():
		d.cli.ContainerKill(context.Background(), id, "KILL")
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		res.TimedOut = true
	}

	// Give the demuxer a moment to drain whatever the container flushed.
	select {
	case <-copied:
	case <-time.After(500 * time.Millisecond):
	}

	res.DurationMs = roundMs(float64(time.Since(start).Microseconds()) / 1000)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	res.Artifacts = collectArtifacts(dir, entrypointFor(req.Language))

	if res.TimedOut {
		d.logger.Warn("sandbox container timed out",
			"language", req.Language, "timeout_seconds", req.TimeoutSeconds)
	} else {
		d.logger.Debug("sandbox container finished",
			"language", req.Language, "return_code", res.ReturnCode, "duration_ms", res.DurationMs)
	}
	return res, nil
}

func (d *Docker) pullImage(ctx context.Context) error {
	d.logger.Info("pulling sandbox image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull sandbox image %s: %w", d.image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// containerEnv mirrors the subprocess environment, with the image's own PATH.
func containerEnv() []string {
	return []string{
		"HOME=" + containerWorkdir,
		"TMPDIR=" + containerWorkdir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PYTHONNOUSERSITE=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

// LaunchService starts the remote sandbox service image (see cmd/sandbox)
// with its HTTP port published on the loopback interface. It returns the
// base URL for NewRemote and a stop function that tears the container down.
func LaunchService(ctx context.Context, img string, logger *slog.Logger) (string, func(context.Context) error, error) {
	if logger == nil {
		logger = nopLogger
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", nil, fmt.Errorf("docker client: %w", err)
	}

	servicePort, err := nat.NewPort("tcp", "8091")
	if err != nil {
		return "", nil, err
	}
	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			ExposedPorts: nat.PortSet{servicePort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				servicePort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
			},
		},
		nil, nil, "")
	if err != nil {
		return "", nil, fmt.Errorf("create sandbox service container: %w", err)
	}
	id := created.ID

	stop := func(stopCtx context.Context) error {
		return cli.ContainerRemove(stopCtx, id, container.RemoveOptions{Force: true})
	}
	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		stop(context.Background())
		return "", nil, fmt.Errorf("start sandbox service container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		stop(context.Background())
		return "", nil, fmt.Errorf("inspect sandbox service container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[servicePort]
	if len(bindings) == 0 {
		stop(context.Background())
		return "", nil, fmt.Errorf("sandbox service container published no port")
	}
	url := "http://127.0.0.1:" + bindings[0].HostPort
	logger.Info("sandbox service container running", "image", img, "url", url)
	return url, stop, nil
}
