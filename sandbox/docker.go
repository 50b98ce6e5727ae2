package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Container labels used to find and reclaim managed sandboxes.
const (
	LabelManaged   = "polos.managed"
	LabelWorkerID  = "polos.worker-id"
	LabelSessionID = "polos.session-id"
	LabelScope     = "polos.scope"
)

// dockerEnv is an Environment backed by one long-lived container. The
// container idles on a sleep entrypoint; commands run as exec sessions.
type dockerEnv struct {
	cli         *client.Client
	containerID string
	workdir     string
	outputLimit int
}

// DockerConfig describes one container to create.
type DockerConfig struct {
	Image       string
	Workdir     string
	Env         []string
	Binds       []Bind
	Labels      map[string]string
	OutputLimit int
}

// Bind mounts a host path into the container.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// newDockerClient builds a Docker API client from the environment
// (DOCKER_HOST and friends) with version negotiation.
func newDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// newDockerEnv creates and starts one sandbox container.
func newDockerEnv(ctx context.Context, cli *client.Client, cfg DockerConfig) (*dockerEnv, error) {
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}
	mounts := make([]mount.Mount, 0, len(cfg.Binds))
	for _, b := range cfg.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.HostPath,
			Target:   b.ContainerPath,
			ReadOnly: b.ReadOnly,
		})
	}
	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: workdir,
			Env:        cfg.Env,
			Labels:     cfg.Labels,
		},
		&container.HostConfig{Mounts: mounts},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}
	return &dockerEnv{
		cli:         cli,
		containerID: created.ID,
		workdir:     workdir,
		outputLimit: cfg.OutputLimit,
	}, nil
}

func (d *dockerEnv) ID() string { return d.containerID }

// Exec runs one command through `sh -c` as a container exec session.
// Output is demultiplexed, ANSI-stripped, and truncated to the budget.
func (d *dockerEnv) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = d.workdir
	}
	created, err := d.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", req.Command},
		WorkingDir:   workdir,
		Env:          req.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	if copyErr != nil && ctx.Err() == nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", copyErr)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out, _ := processOutput(stdout.String(), d.outputLimit)
		errOut, _ := processOutput(stderr.String(), d.outputLimit)
		return ExecResult{ExitCode: -1, Stdout: out, Stderr: errOut, TimedOut: true}, nil
	}

	inspect, err := d.cli.ContainerExecInspect(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	out, outTrunc := processOutput(stdout.String(), d.outputLimit)
	errOut, errTrunc := processOutput(stderr.String(), d.outputLimit)
	return ExecResult{
		ExitCode:  inspect.ExitCode,
		Stdout:    out,
		Stderr:    errOut,
		Truncated: outTrunc || errTrunc,
	}, nil
}

// WriteFile copies content into the container as a single-file tar stream.
func (d *dockerEnv) WriteFile(ctx context.Context, filePath string, content []byte) error {
	dir, name := path.Split(filePath)
	if dir == "" {
		dir = d.workdir
	}
	if _, err := d.Exec(ctx, ExecRequest{Command: "mkdir -p " + shellQuote(dir)}); err != nil {
		return err
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := d.cli.CopyToContainer(ctx, d.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to sandbox: %w", err)
	}
	return nil
}

// ReadFile pulls one file out of the container via the tar archive API.
func (d *dockerEnv) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, d.containerID, filePath)
	if err != nil {
		return nil, fmt.Errorf("copy from sandbox: %w", err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("file %q not found in archive", filePath)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// FileExists checks for the path with `test -e`; exit code 1 means absent,
// anything else is an error.
func (d *dockerEnv) FileExists(ctx context.Context, filePath string) (bool, error) {
	res, err := d.Exec(ctx, ExecRequest{Command: "test -e " + shellQuote(filePath)})
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("test -e exited %d: %s", res.ExitCode, res.Stderr)
	}
}

// healthy reports whether the container still exists and is running.
// A nil error with false means the container is gone or stopped and the
// environment should be recreated.
func (d *dockerEnv) healthy(ctx context.Context) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, d.containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect sandbox container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Close removes the container.
func (d *dockerEnv) Close(ctx context.Context) error {
	err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	return nil
}

// managedFilter selects all containers this runtime owns.
func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
}

// shellQuote wraps s in single quotes for safe interpolation into sh -c,
// escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Environment = (*dockerEnv)(nil)
