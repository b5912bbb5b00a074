package runtimeconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	units "github.com/docker/go-units"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

const (
	// MaxIDLength is the longest runtime id accepted.
	MaxIDLength = 63
	// DefaultMemory is the sandbox memory limit when a profile sets none.
	DefaultMemory int64 = 1024 * units.MiB
	// DefaultCPUShare is the relative CPU weight when a profile sets none.
	DefaultCPUShare int64 = 1024
)

var (
	// ErrUnknownRuntime is returned for a runtime id with no profile.
	ErrUnknownRuntime = errors.New("unknown runtime id")
	// ErrPermissionDenied is returned when the requester is not in the profile's roles.
	ErrPermissionDenied = errors.New("requester is not allowed to use this runtime")
)

// Access is the mount mode of a shared directory.
type Access string

// Mount modes.
const (
	AccessReadOnly  Access = "ro"
	AccessReadWrite Access = "rw"
)

// SharedDirectory is a host directory bind-mounted into the sandbox.
type SharedDirectory struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
	Access    Access `yaml:"access"`
}

// Bind renders the directory in engine bind syntax.
func (d SharedDirectory) Bind() string {
	return fmt.Sprintf("%s:%s:%s", d.Host, d.Container, d.Access)
}

// Profile describes how to build one kind of sandbox.
type Profile struct {
	ID                  string
	Image               string
	Command             string
	MemoryBytes         int64
	CPUShare            int64
	UseContainerNetwork bool
	UseContainerLogging bool
	Roles               []string
	SharedDirectories   []SharedDirectory
}

// Argv splits the command into arguments with shell quoting rules. A
// command that does not split is passed through as a single argument.
func (p Profile) Argv() []string {
	args, err := shlex.Split(p.Command)
	if err != nil || len(args) == 0 {
		return []string{p.Command}
	}
	return args
}

// Restricted reports whether only listed roles may use the profile.
func (p Profile) Restricted() bool {
	return len(p.Roles) > 0
}

// Authorize checks identity against the profile's roles.
func (p Profile) Authorize(identity string) error {
	if !p.Restricted() {
		return nil
	}
	if slices.Contains(p.Roles, identity) {
		return nil
	}
	return fmt.Errorf("%w: %q may not use runtime %s", ErrPermissionDenied, identity, p.ID)
}

type fileDoc struct {
	Runtimes []profileDoc `yaml:"runtimes"`
}

type profileDoc struct {
	ID                  string            `yaml:"id"`
	Image               string            `yaml:"image"`
	Command             string            `yaml:"command"`
	Memory              string            `yaml:"memory"`
	CPUShare            *int64            `yaml:"cpu_share"`
	UseContainerNetwork bool              `yaml:"use_container_network"`
	UseContainerLogging bool              `yaml:"use_container_logging"`
	Roles               []string          `yaml:"roles"`
	SharedDirectories   []SharedDirectory `yaml:"shared_directories"`
}

// ParseFile reads profiles from a YAML file.
func ParseFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime configuration: %w", err)
	}
	profiles, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// Parse decodes and validates profiles.
func Parse(r io.Reader) ([]Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode runtime configuration: %w", err)
	}

	seen := make(map[string]bool, len(doc.Runtimes))
	profiles := make([]Profile, 0, len(doc.Runtimes))
	for i, raw := range doc.Runtimes {
		p, err := raw.profile()
		if err != nil {
			return nil, fmt.Errorf("runtime #%d: %w", i+1, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicated runtime id %s", p.ID)
		}
		seen[p.ID] = true
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (d profileDoc) profile() (Profile, error) {
	p := Profile{
		ID:                  strings.TrimSpace(d.ID),
		Image:               strings.TrimSpace(d.Image),
		Command:             strings.TrimSpace(d.Command),
		MemoryBytes:         DefaultMemory,
		CPUShare:            DefaultCPUShare,
		UseContainerNetwork: d.UseContainerNetwork,
		UseContainerLogging: d.UseContainerLogging,
		Roles:               d.Roles,
	}

	if p.ID == "" {
		return p, fmt.Errorf("id must be specified")
	}
	if len(p.ID) > MaxIDLength {
		return p, fmt.Errorf("runtime id %s should not be longer than %d bytes", p.ID, MaxIDLength)
	}
	if p.Image == "" {
		return p, fmt.Errorf("runtime %s: image must be specified", p.ID)
	}
	if p.Command == "" {
		return p, fmt.Errorf("runtime %s: command must be specified", p.ID)
	}
	if _, err := shlex.Split(p.Command); err != nil {
		return p, fmt.Errorf("runtime %s: invalid command %q: %w", p.ID, p.Command, err)
	}

	if d.Memory != "" {
		mem, err := units.RAMInBytes(d.Memory)
		if err != nil {
			return p, fmt.Errorf("runtime %s: invalid memory %q: %w", p.ID, d.Memory, err)
		}
		if mem <= 0 {
			return p, fmt.Errorf("runtime %s: memory must be positive, got: %s", p.ID, d.Memory)
		}
		p.MemoryBytes = mem
	}
	if d.CPUShare != nil {
		if *d.CPUShare <= 0 {
			return p, fmt.Errorf("runtime %s: cpu_share must be positive, got: %d", p.ID, *d.CPUShare)
		}
		p.CPUShare = *d.CPUShare
	}

	for _, role := range d.Roles {
		if strings.TrimSpace(role) == "" {
			return p, fmt.Errorf("runtime %s: roles must not contain empty names", p.ID)
		}
	}

	containerPaths := make(map[string]bool, len(d.SharedDirectories))
	for _, dir := range d.SharedDirectories {
		if dir.Host == "" || dir.Container == "" {
			return p, fmt.Errorf("runtime %s: shared directory needs both host and container", p.ID)
		}
		switch dir.Access {
		case AccessReadOnly, AccessReadWrite:
		case "":
			dir.Access = AccessReadOnly
		default:
			return p, fmt.Errorf("runtime %s: shared directory access must be 'ro' or 'rw', got: %s", p.ID, dir.Access)
		}
		if containerPaths[dir.Container] {
			return p, fmt.Errorf("runtime %s: container path %s is shared more than once", p.ID, dir.Container)
		}
		containerPaths[dir.Container] = true
		p.SharedDirectories = append(p.SharedDirectories, dir)
	}

	return p, nil
}
