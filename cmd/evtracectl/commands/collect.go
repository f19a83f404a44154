package commands

import (
	"os"
	"time"

	"github.com/marmos91/evtrace/cmd/evtracectl/cmdutil"
	"github.com/marmos91/evtrace/internal/cli/output"
	"github.com/marmos91/evtrace/pkg/ipc"
	"github.com/marmos91/evtrace/pkg/trace"
	"github.com/spf13/cobra"
)

var collectFlags struct {
	providers []string
	bufferMB  uint64
	format    int
	rundown   bool
	output    string
	rotation  time.Duration
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Start a file-mode trace session",
	Long: `Start a file-mode trace session on the daemon and print its session id.

Examples:
  # Enable one provider at the default keywords/level
  evtracectl collect --provider MyProvider --output /var/trace/out.nettrace

  # Enable multiple providers with explicit keywords and level
  evtracectl collect --provider "MyProvider:0xff:4" --provider "Other:0x1:2" \
    --output /var/trace/out.nettrace --buffer-mb 32 --rundown`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringArrayVar(&collectFlags.providers, "provider", nil, "Provider spec \"name[:keywords_hex[:level]]\" (repeatable)")
	collectCmd.Flags().Uint64Var(&collectFlags.bufferMB, "buffer-mb", 16, "Per-process circular buffer budget in MiB")
	collectCmd.Flags().IntVar(&collectFlags.format, "format", int(trace.FormatV4), "Wire format version (3 or 4)")
	collectCmd.Flags().BoolVar(&collectFlags.rundown, "rundown", false, "Request a rundown of existing state on stop")
	collectCmd.Flags().StringVar(&collectFlags.output, "output", "", "Trace file output path (required)")
	collectCmd.Flags().DurationVar(&collectFlags.rotation, "rotation", 0, "File rotation interval (0 disables rotation)")
	_ = collectCmd.MarkFlagRequired("output")
	_ = collectCmd.MarkFlagRequired("provider")
}

func runCollect(cmd *cobra.Command, args []string) error {
	providers, err := trace.ParseProviderSpecList(collectFlags.providers)
	if err != nil {
		return err
	}

	client, err := cmdutil.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	req := trace.CollectTracingRequest{
		CircularBufferMB: collectFlags.bufferMB,
		Format:           trace.FormatVersion(collectFlags.format),
		Providers:        providers,
		RundownRequested: collectFlags.rundown,
		RotationInterval: collectFlags.rotation,
		OutputPath:       collectFlags.output,
	}

	var resp trace.CollectTracingResponse
	if err := client.Call(ipc.CommandCollectTracing2, req, &resp); err != nil {
		return err
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, resp)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, resp)
	default:
		cmd.Printf("session started: %d\n", resp.SessionID)
		return nil
	}
}
