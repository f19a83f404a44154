package commands

import (
	"strconv"

	"github.com/marmos91/evtrace/cmd/evtracectl/cmdutil"
	"github.com/marmos91/evtrace/internal/cli/prompt"
	"github.com/marmos91/evtrace/pkg/ipc"
	"github.com/marmos91/evtrace/pkg/trace"
	"github.com/spf13/cobra"
)

var stopFlags struct {
	rundown bool
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a trace session",
	Long: `Stop a trace session by id, draining its buffers before the daemon
closes the sink.

If the session was started with --rundown, pass --rundown here too: stopping
a rundown session prompts for confirmation unless --force is given, since
the rundown enumeration can take noticeably longer than a plain stop.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopFlags.rundown, "rundown", false, "The session was started with rundown requested")
}

func runStop(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}

	if stopFlags.rundown && !cmdutil.Flags.Force {
		ok, err := prompt.Confirm("this session requested rundown; stopping it may take a while, continue?", false)
		if err != nil {
			return err
		}
		if !ok {
			cmd.Println("aborted")
			return nil
		}
	}

	client, err := cmdutil.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	req := trace.StopTracingRequest{SessionID: trace.SessionID(id)}
	var resp trace.StopTracingResponse
	if err := client.Call(ipc.CommandStopTracing, req, &resp); err != nil {
		return err
	}

	cmd.Printf("session %d stopped\n", id)
	return nil
}
