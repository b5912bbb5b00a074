package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	Close() error
}

// DockerOption configures a DockerEngine.
type DockerOption func(*DockerEngine)

// WithRequestTimeout bounds every engine call. Zero disables the bound.
func WithRequestTimeout(d time.Duration) DockerOption {
	return func(e *DockerEngine) {
		e.timeout = d
	}
}

// WithAPIVersion pins the Engine API version instead of negotiating it.
func WithAPIVersion(v string) DockerOption {
	return func(e *DockerEngine) {
		e.apiVersion = v
	}
}

// DockerEngine implements Engine over the Docker Engine API.
type DockerEngine struct {
	logger     *zap.Logger
	cli        dockerAPI
	timeout    time.Duration
	apiVersion string
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine connects to the engine listening at host, for example
// unix:///var/run/docker.sock.
func NewDockerEngine(logger *zap.Logger, host string, opts ...DockerOption) (*DockerEngine, error) {
	e := &DockerEngine{logger: logger, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}

	clientOpts := []client.Opt{client.WithHost(host)}
	if e.apiVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(e.apiVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	e.cli = cli
	return e, nil
}

func newDockerEngine(logger *zap.Logger, cli dockerAPI) *DockerEngine {
	return &DockerEngine{logger: logger, cli: cli}
}

func (e *DockerEngine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Create builds the container described by spec.
func (e *DockerEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	cfg, hostCfg := containerConfig(spec)
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", wrapError("create", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		e.logger.Warn("engine warning on create", zap.String("container", resp.ID), zap.String("warning", w))
	}
	e.logger.Debug("container created", zap.String("id", resp.ID), zap.String("image", spec.Image))
	return resp.ID, nil
}

func containerConfig(spec CreateSpec) (*container.Config, *container.HostConfig) {
	logType := "none"
	if spec.Logging {
		logType = "journald"
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		Labels:          spec.Labels,
		AttachStdin:     false,
		AttachStdout:    spec.Logging,
		AttachStderr:    spec.Logging,
		Tty:             false,
		NetworkDisabled: spec.NetworkDisabled,
	}
	hostCfg := &container.HostConfig{
		Binds:           spec.Binds,
		LogConfig:       container.LogConfig{Type: logType},
		PublishAllPorts: true,
		IpcMode:         container.IpcMode("shareable"),
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
		},
	}
	if spec.ExposedPort != "" {
		cfg.ExposedPorts = nat.PortSet{nat.Port(spec.ExposedPort): struct{}{}}
	}
	return cfg, hostCfg
}

// Start starts a created container.
func (e *DockerEngine) Start(ctx context.Context, id string) error {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	if err := e.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return wrapError("start", id, err)
	}
	return nil
}

// Inspect reads one field of a container's state.
func (e *DockerEngine) Inspect(ctx context.Context, id string, field Field) (string, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", wrapError("inspect", id, err)
	}
	return inspectField(id, info, field)
}

func inspectField(id string, info types.ContainerJSON, field Field) (string, error) {
	switch field {
	case FieldStatus:
		if info.ContainerJSONBase == nil || info.State == nil {
			return "", &Error{Op: "inspect", ID: id, Message: "container state is missing"}
		}
		return info.State.Status, nil
	case FieldOOM:
		if info.ContainerJSONBase == nil || info.State == nil {
			return "", &Error{Op: "inspect", ID: id, Message: "container state is missing"}
		}
		return strconv.FormatBool(info.State.OOMKilled), nil
	case FieldName:
		if info.ContainerJSONBase == nil {
			return "", &Error{Op: "inspect", ID: id, Message: "container name is missing"}
		}
		return strings.TrimPrefix(info.Name, "/"), nil
	case FieldPort:
		if info.NetworkSettings == nil {
			return "", &Error{Op: "inspect", ID: id, Message: "container has no network settings"}
		}
		for _, binding := range info.NetworkSettings.Ports[nat.Port(ClientPort)] {
			if binding.HostPort != "" {
				return binding.HostPort, nil
			}
		}
		return "", &Error{Op: "inspect", ID: id, Message: fmt.Sprintf("port %s is not published", ClientPort)}
	default:
		return "", fmt.Errorf("unsupported inspect field: %s", field)
	}
}

// Delete force-removes every container in ids concurrently. Containers that
// are already gone are skipped; the remaining failures are joined.
func (e *DockerEngine) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
			if err != nil && !client.IsErrNotFound(err) {
				errs[i] = wrapError("delete", id, err)
			}
		}(i, id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// List returns every container carrying all the given labels.
func (e *DockerEngine) List(ctx context.Context, labels map[string]string) ([]Summary, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	containers, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, wrapError("list", "", err)
	}

	out := make([]Summary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Summary{ID: c.ID, Name: name, State: c.State, Labels: c.Labels})
	}
	return out, nil
}

// Close releases the client connection.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func wrapError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, ID: id, StatusCode: statusCode(err), Message: err.Error(), err: err}
}

// statusCode recovers the HTTP status the client classified err under.
func statusCode(err error) int {
	switch {
	case client.IsErrNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsForbidden(err):
		return http.StatusForbidden
	case errdefs.IsNotModified(err):
		return http.StatusNotModified
	case errdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsSystem(err), errdefs.IsUnknown(err), errdefs.IsDataLoss(err):
		return http.StatusInternalServerError
	default:
		return 0
	}
}
