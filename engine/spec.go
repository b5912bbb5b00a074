package engine

import (
	"fmt"
	"strconv"

	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/runtimeconf"
)

// Labels put on every sandbox container.
const (
	LabelManaged     = "plcontainer"
	LabelOwnerPID    = "qepid"
	LabelSession     = "sessionid"
	LabelCommand     = "ccnt"
	LabelDatabase    = "dbid"
	LabelOwner       = "owner"
	LabelCoordinator = "plc.coordinator"
	LabelRuntime     = "plc.runtime"
)

// ClientIPCDir is where the per-sandbox IPC directory is mounted inside the
// container when container networking is off.
const ClientIPCDir = "/tmp/plcontainer"

// ClientPort is the port the sandbox client listens on when container
// networking is on.
const ClientPort = "8080/tcp"

// ManagedFilter selects every container created by a coordinator.
func ManagedFilter() map[string]string {
	return map[string]string{LabelManaged: "true"}
}

// CreateSpec is an engine-neutral description of one sandbox container.
type CreateSpec struct {
	Name            string
	Image           string
	Cmd             []string
	Env             []string
	Labels          map[string]string
	Binds           []string
	MemoryBytes     int64
	CPUShares       int64
	Logging         bool
	NetworkDisabled bool
	ExposedPort     string
}

// SandboxRequest carries the identity of the executor a sandbox is built for.
type SandboxRequest struct {
	Key        registry.Key
	DatabaseID int
	Owner      string
	UID        int
	GID        int
	// IPCDir is the host directory shared with the sandbox for its Unix
	// socket. Ignored when the profile uses container networking.
	IPCDir     string
	InstanceID string
}

// NewCreateSpec derives the container description from a runtime profile.
func NewCreateSpec(name string, p runtimeconf.Profile, req SandboxRequest) CreateSpec {
	spec := CreateSpec{
		Name:  name,
		Image: p.Image,
		Cmd:   p.Argv(),
		Env: []string{
			"EXECUTOR_UID=" + strconv.Itoa(req.UID),
			"EXECUTOR_GID=" + strconv.Itoa(req.GID),
			"DB_QE_PID=" + strconv.Itoa(req.Key.OwnerPID),
			"USE_CONTAINER_NETWORK=" + strconv.FormatBool(p.UseContainerNetwork),
		},
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelOwnerPID:    strconv.Itoa(req.Key.OwnerPID),
			LabelSession:     strconv.Itoa(req.Key.ConnectionID),
			LabelCommand:     strconv.Itoa(req.Key.CommandCount),
			LabelDatabase:    strconv.Itoa(req.DatabaseID),
			LabelOwner:       req.Owner,
			LabelCoordinator: req.InstanceID,
			LabelRuntime:     p.ID,
		},
		MemoryBytes:     p.MemoryBytes,
		CPUShares:       p.CPUShare,
		Logging:         p.UseContainerLogging,
		NetworkDisabled: !p.UseContainerNetwork,
	}

	for _, dir := range p.SharedDirectories {
		spec.Binds = append(spec.Binds, dir.Bind())
	}
	if p.UseContainerNetwork {
		spec.ExposedPort = ClientPort
	} else if req.IPCDir != "" {
		spec.Binds = append(spec.Binds, fmt.Sprintf("%s:%s:rw", req.IPCDir, ClientIPCDir))
	}
	return spec
}

// KeyFromLabels recovers the sandbox key from container labels.
func KeyFromLabels(labels map[string]string) (registry.Key, error) {
	var key registry.Key
	var err error
	if key.OwnerPID, err = labelInt(labels, LabelOwnerPID); err != nil {
		return key, err
	}
	if key.ConnectionID, err = labelInt(labels, LabelSession); err != nil {
		return key, err
	}
	if key.CommandCount, err = labelInt(labels, LabelCommand); err != nil {
		return key, err
	}
	return key, nil
}

func labelInt(labels map[string]string, name string) (int, error) {
	raw, ok := labels[name]
	if !ok {
		return 0, fmt.Errorf("label %s is missing", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("label %s=%q is not a number", name, raw)
	}
	return v, nil
}
