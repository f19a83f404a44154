// Package cmdutil provides shared utilities for evtracectl commands.
package cmdutil

import (
	"github.com/marmos91/evtrace/internal/cli/output"
	"github.com/marmos91/evtrace/pkg/ipc"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	SocketPath string
	Output     string
	Force      bool
}

// DefaultSocketPath is used when --socket is not given.
const DefaultSocketPath = "/var/run/evtrace/control.sock"

// Dial connects to the daemon's control socket using the --socket flag.
func Dial() (*ipc.Client, error) {
	path := Flags.SocketPath
	if path == "" {
		path = DefaultSocketPath
	}
	return ipc.Dial(path, 0)
}

// GetOutputFormatParsed parses the --output flag into an output.Format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}
