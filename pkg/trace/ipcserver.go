package trace

import (
	"context"
	"fmt"

	"github.com/marmos91/evtrace/pkg/ipc"
)

// NewIPCHandler adapts a ProtocolHelper into an ipc.Handler, decoding each
// command's msgpack payload into the concrete request type its CommandKind
// implies and dispatching to the matching ProtocolHelper method. Only
// ModeFile sessions are reachable over the wire protocol: IpcStream and
// Synchronous sessions exist to serve an in-process consumer, which by
// definition already has a Go-level handle on the Pipeline and has no need
// to round-trip through this dispatcher.
func NewIPCHandler(helper *ProtocolHelper) ipc.Handler {
	return func(ctx context.Context, kind ipc.CommandKind, frame []byte) (ipc.CommandKind, any, error) {
		switch kind {
		case ipc.CommandCollectTracing:
			var req CollectTracingRequest
			if err := ipc.DecodePayload(frame, &req); err != nil {
				return "", nil, err
			}
			sink, err := newFileSink(req.OutputPath)
			if err != nil {
				return "", nil, err
			}
			resp, err := helper.CollectTracing(ctx, req, sink)
			if err != nil {
				_ = sink.Close()
				return "", nil, err
			}
			return ipc.CommandCollectTracing, resp, nil

		case ipc.CommandCollectTracing2:
			var req CollectTracingRequest
			if err := ipc.DecodePayload(frame, &req); err != nil {
				return "", nil, err
			}
			sink, err := newFileSink(req.OutputPath)
			if err != nil {
				return "", nil, err
			}
			var fw *FileWriter
			if fileSink, ok := sink.(*FileWriter); ok {
				fw = fileSink
			}
			resp, err := helper.CollectTracing2(ctx, req, ModeFile, sink, nil, fw)
			if err != nil {
				_ = sink.Close()
				return "", nil, err
			}
			return ipc.CommandCollectTracing2, resp, nil

		case ipc.CommandStopTracing:
			var req StopTracingRequest
			if err := ipc.DecodePayload(frame, &req); err != nil {
				return "", nil, err
			}
			if err := helper.StopTracing(ctx, req.SessionID, nil); err != nil {
				return "", nil, err
			}
			return ipc.CommandStopTracing, StopTracingResponse{}, nil

		default:
			return "", nil, fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, kind)
		}
	}
}

func newFileSink(path string) (StreamWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: output_path is required for file-mode sessions over IPC", ErrInvalidArgument)
	}
	return NewFileWriter(func(seq int) string {
		if seq == 0 {
			return path
		}
		return fmt.Sprintf("%s.%d", path, seq)
	})
}
