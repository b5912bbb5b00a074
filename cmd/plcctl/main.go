// Command plcctl talks to a running coordinator the way an executor does:
// it requests and releases sandboxes and reads the published state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/rpc"
	"github.com/isdmx/plcoordinator/shm"
)

type options struct {
	socket    string
	stateFile string
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "plcctl",
		Short:         "Control a PL/Container coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.socket, "socket", "", "Coordinator socket (default: bind address from the state file)")
	root.PersistentFlags().StringVar(&opts.stateFile, "state-file", "/tmp/plcoordinator.state.json", "Coordinator state file")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Request timeout")

	root.AddCommand(newStartCmd(opts), newStopCmd(opts), newStateCmd(opts))
	return root
}

func newStartCmd(opts *options) *cobra.Command {
	req := &api.StartContainerRequest{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sandbox for an executor command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.StartContainer(ctx, req)
				if err != nil {
					return fmt.Errorf("start request failed: %w", err)
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				return statusError(resp.Status, resp.LogMessage)
			})
		},
	}
	cmd.Flags().StringVar(&req.RuntimeID, "runtime", "", "Runtime profile id")
	cmd.Flags().IntVar(&req.DatabaseID, "dbid", 0, "Database id")
	cmd.Flags().StringVar(&req.RequesterIdentity, "identity", "", "Requesting database role")
	keyFlags(cmd, &req.OwnerPID, &req.ConnectionID, &req.CommandCount)
	_ = cmd.MarkFlagRequired("runtime")
	return cmd
}

func newStopCmd(opts *options) *cobra.Command {
	req := &api.StopContainerRequest{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the sandbox of an executor command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) error {
				resp, err := c.StopContainer(ctx, req)
				if err != nil {
					return fmt.Errorf("stop request failed: %w", err)
				}
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				return statusError(resp.Status, resp.LogMessage)
			})
		},
	}
	keyFlags(cmd, &req.OwnerPID, &req.ConnectionID, &req.CommandCount)
	return cmd
}

func newStateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the published coordinator state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := shm.ReadState(opts.stateFile)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func keyFlags(cmd *cobra.Command, pid, conn, ccnt *int) {
	cmd.Flags().IntVar(pid, "pid", 0, "Executor process id")
	cmd.Flags().IntVar(conn, "conn", 0, "Connection id")
	cmd.Flags().IntVar(ccnt, "ccnt", 0, "Command count")
	_ = cmd.MarkFlagRequired("pid")
}

// socketPath returns --socket, or the bind address of a ready gRPC
// coordinator found in the state file.
func (o *options) socketPath() (string, error) {
	if o.socket != "" {
		return o.socket, nil
	}
	st, err := shm.ReadState(o.stateFile)
	if err != nil {
		return "", err
	}
	if st.State != shm.StateReady {
		return "", fmt.Errorf("coordinator is %s, not ready", st.State)
	}
	if st.Protocol != rpc.Protocol {
		return "", fmt.Errorf("coordinator speaks %s, plcctl needs %s", st.Protocol, rpc.Protocol)
	}
	return st.Address, nil
}

func withClient(cmd *cobra.Command, opts *options, fn func(context.Context, *rpc.Client) error) error {
	path, err := opts.socketPath()
	if err != nil {
		return err
	}
	client, err := rpc.Dial(path)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, client)
}

func statusError(status api.Status, msg string) error {
	if status == api.StatusOK {
		return nil
	}
	return fmt.Errorf("coordinator returned %s: %s", status, msg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
