package runtimeconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	units "github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
runtimes:
  - id: plc_python_shared
    image: plcontainer/python:3.11
    command: /clientdir/pyclient.sh
    memory: 512m
    cpu_share: 512
    use_container_logging: true
    roles: [analyst, admin]
    shared_directories:
      - host: /usr/local/plcontainer/bin
        container: /clientdir
        access: ro
      - host: /data/scratch
        container: /scratch
        access: rw
  - id: plc_r
    image: plcontainer/r:4
    command: /clientdir/rclient.sh
    use_container_network: true
`

func TestParse(t *testing.T) {
	profiles, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	py := profiles[0]
	assert.Equal(t, "plc_python_shared", py.ID)
	assert.Equal(t, int64(512*units.MiB), py.MemoryBytes)
	assert.Equal(t, int64(512), py.CPUShare)
	assert.True(t, py.UseContainerLogging)
	assert.False(t, py.UseContainerNetwork)
	assert.True(t, py.Restricted())
	require.Len(t, py.SharedDirectories, 2)
	assert.Equal(t, "/usr/local/plcontainer/bin:/clientdir:ro", py.SharedDirectories[0].Bind())
	assert.Equal(t, "/data/scratch:/scratch:rw", py.SharedDirectories[1].Bind())

	r := profiles[1]
	assert.Equal(t, DefaultMemory, r.MemoryBytes)
	assert.Equal(t, DefaultCPUShare, r.CPUShare)
	assert.True(t, r.UseContainerNetwork)
	assert.False(t, r.Restricted())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "UnknownKey",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    gpus: 2\n",
			wantErr: "field gpus not found",
		},
		{
			name:    "MissingID",
			doc:     "runtimes:\n  - image: i\n    command: c\n",
			wantErr: "id must be specified",
		},
		{
			name:    "LongID",
			doc:     "runtimes:\n  - id: " + strings.Repeat("x", 64) + "\n    image: i\n    command: c\n",
			wantErr: "should not be longer than 63 bytes",
		},
		{
			name:    "MissingImage",
			doc:     "runtimes:\n  - id: a\n    command: c\n",
			wantErr: "image must be specified",
		},
		{
			name:    "MissingCommand",
			doc:     "runtimes:\n  - id: a\n    image: i\n",
			wantErr: "command must be specified",
		},
		{
			name:    "DuplicateID",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n  - id: a\n    image: i\n    command: c\n",
			wantErr: "duplicated runtime id a",
		},
		{
			name:    "BadMemory",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    memory: lots\n",
			wantErr: "invalid memory",
		},
		{
			name:    "NonPositiveCPUShare",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    cpu_share: 0\n",
			wantErr: "cpu_share must be positive",
		},
		{
			name:    "BadAccess",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    shared_directories:\n      - host: /h\n        container: /c\n        access: rx\n",
			wantErr: "must be 'ro' or 'rw'",
		},
		{
			name:    "DuplicateContainerPath",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    shared_directories:\n      - host: /h1\n        container: /c\n      - host: /h2\n        container: /c\n",
			wantErr: "shared more than once",
		},
		{
			name:    "UnterminatedQuote",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: '/client.sh \"oops'\n",
			wantErr: "invalid command",
		},
		{
			name:    "EmptyRole",
			doc:     "runtimes:\n  - id: a\n    image: i\n    command: c\n    roles: [\"\"]\n",
			wantErr: "roles must not contain empty names",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestArgv(t *testing.T) {
	tests := []struct {
		command string
		want    []string
	}{
		{"/clientdir/pyclient.sh", []string{"/clientdir/pyclient.sh"}},
		{"/clientdir/rclient.sh --vanilla", []string{"/clientdir/rclient.sh", "--vanilla"}},
		{`/clientdir/pyclient.sh -c "print(1)"`, []string{"/clientdir/pyclient.sh", "-c", "print(1)"}},
		{"", []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, Profile{Command: tt.command}.Argv())
		})
	}
}

func TestParseEmpty(t *testing.T) {
	profiles, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestAuthorize(t *testing.T) {
	open := Profile{ID: "open"}
	assert.NoError(t, open.Authorize("anyone"))

	closed := Profile{ID: "closed", Roles: []string{"analyst"}}
	assert.NoError(t, closed.Authorize("analyst"))
	assert.ErrorIs(t, closed.Authorize("intruder"), ErrPermissionDenied)
}

func TestTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	table, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"plc_python_shared", "plc_r"}, table.IDs())

	p, err := table.Lookup("plc_r")
	require.NoError(t, err)
	assert.Equal(t, "plcontainer/r:4", p.Image)

	_, err = table.Lookup("plc_missing")
	assert.ErrorIs(t, err, ErrUnknownRuntime)

	t.Run("ReloadPicksUpChanges", func(t *testing.T) {
		updated := "runtimes:\n  - id: plc_go\n    image: plcontainer/go:1\n    command: /clientdir/goclient\n"
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
		require.NoError(t, table.Reload())
		assert.Equal(t, []string{"plc_go"}, table.IDs())
	})

	t.Run("FailedReloadKeepsProfiles", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("runtimes: [oops"), 0o644))
		assert.Error(t, table.Reload())
		assert.Equal(t, 1, table.Len())
	})

	t.Run("StaticTable", func(t *testing.T) {
		static := NewTable(Profile{ID: "x"})
		assert.NoError(t, static.Reload())
		assert.Equal(t, 1, static.Len())
	})

	t.Run("OpenIsLazy", func(t *testing.T) {
		lazy := Open(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Equal(t, 0, lazy.Len())
		_, err := lazy.Lookup("plc_r")
		assert.ErrorIs(t, err, ErrUnknownRuntime)
		assert.Error(t, lazy.Reload())
	})
}
