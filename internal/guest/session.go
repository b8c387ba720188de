package guest

import (
	"context"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/suryatmodulus/boxlite/internal/wire"
)

// Session is a connected guest RPC client. There is no generated service
// descriptor to dial against (no .proto was compiled for this build — see
// internal/wire's doc comment), so every method below calls
// grpc.ClientConn.Invoke/NewStream directly with a hardcoded method path
// and the JSON codec registered by internal/wire.
type Session struct {
	conn *grpc.ClientConn
}

// Connect dials endpoint and returns a ready-to-use Session. The connection
// carries no transport security: the channel is a Unix socket or vsock
// link that never leaves the host/guest pair, matching the teacher's own
// treatment of its local mux socket.
func Connect(ctx context.Context, endpoint Endpoint) (*Session, error) {
	conn, err := grpc.DialContext(ctx, "passthrough:///guest",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return endpoint.Dial(ctx)
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("guest: connect: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Close tears down the underlying gRPC channel.
func (s *Session) Close() error { return s.conn.Close() }

// Ping calls Guest.Ping and returns the guest's advertised schema version.
func (s *Session) Ping(ctx context.Context) (wire.PingResponse, error) {
	var resp wire.PingResponse
	if err := s.conn.Invoke(ctx, wire.MethodGuestPing, &struct{}{}, &resp); err != nil {
		return wire.PingResponse{}, fmt.Errorf("guest: Ping: %w", err)
	}
	return resp, nil
}

// Init calls Guest.Init with the volumes/rootfs/network directive, after
// confirming the guest's advertised schema major version matches this
// build's.
func (s *Session) Init(ctx context.Context, req wire.GuestInitRequest) error {
	ping, err := s.Ping(ctx)
	if err != nil {
		return err
	}
	if ping.Version != wire.SchemaMajorVersion {
		return fmt.Errorf("guest: incompatible wire schema: guest=%d host=%d", ping.Version, wire.SchemaMajorVersion)
	}

	var resp wire.GuestInitResponse
	if err := s.conn.Invoke(ctx, wire.MethodGuestInit, &req, &resp); err != nil {
		return fmt.Errorf("guest: Init: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("guest: Init failed: %s", resp.Error)
	}
	return nil
}

// Shutdown asks the guest to shut down gracefully. Best-effort: callers
// proceed to stop the VMM regardless of the result.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.conn.Invoke(ctx, wire.MethodGuestShutdown, &struct{}{}, &struct{}{}); err != nil {
		return fmt.Errorf("guest: Shutdown: %w", err)
	}
	return nil
}

// ContainerInit configures the in-guest container before Start.
func (s *Session) ContainerInit(ctx context.Context, req wire.ContainerInitRequest) error {
	if err := s.conn.Invoke(ctx, wire.MethodContainerInit, &req, &struct{}{}); err != nil {
		return fmt.Errorf("guest: Container.Init: %w", err)
	}
	return nil
}

// ContainerStart starts the container's main process.
func (s *Session) ContainerStart(ctx context.Context, containerID string) error {
	req := struct {
		ContainerID string `json:"container_id"`
	}{containerID}
	if err := s.conn.Invoke(ctx, wire.MethodContainerStart, &req, &struct{}{}); err != nil {
		return fmt.Errorf("guest: Container.Start: %w", err)
	}
	return nil
}

// ContainerWait blocks until the container's main process exits.
func (s *Session) ContainerWait(ctx context.Context, containerID string) (wire.ContainerWaitResponse, error) {
	req := struct {
		ContainerID string `json:"container_id"`
	}{containerID}
	var resp wire.ContainerWaitResponse
	if err := s.conn.Invoke(ctx, wire.MethodContainerWait, &req, &resp); err != nil {
		return wire.ContainerWaitResponse{}, fmt.Errorf("guest: Container.Wait: %w", err)
	}
	return resp, nil
}

// execStreamDesc describes the bidirectional Exec stream. Both client and
// server streaming are true since frames flow both ways for the lifetime
// of the exec.
var execStreamDesc = &grpc.StreamDesc{
	StreamName:    "Stream",
	ClientStreams: true,
	ServerStreams: true,
}

// Exec opens a bidirectional Exec stream and sends the initial StartExec
// frame, returning a handle for subsequent stdin/stdout/stderr/resize
// frames.
func (s *Session) Exec(ctx context.Context, start wire.StartExec) (*Execution, error) {
	stream, err := s.conn.NewStream(ctx, execStreamDesc, wire.MethodExecStream)
	if err != nil {
		return nil, fmt.Errorf("guest: open exec stream: %w", err)
	}
	if err := stream.SendMsg(&start); err != nil {
		return nil, fmt.Errorf("guest: send StartExec: %w", err)
	}
	return &Execution{stream: stream}, nil
}

// Execution is one running Exec stream.
type Execution struct {
	stream grpc.ClientStream
}

// SendStdin forwards a chunk of stdin to the guest process.
func (e *Execution) SendStdin(b []byte) error {
	return e.stream.SendMsg(&wire.ExecFrame{Stdin: b})
}

// Resize sends a TTY resize request.
func (e *Execution) Resize(rows, cols uint16) error {
	return e.stream.SendMsg(&wire.ExecFrame{Resize: &wire.TTYResize{Rows: rows, Cols: cols}})
}

// CloseSend signals EOF on stdin.
func (e *Execution) CloseSend() error { return e.stream.CloseSend() }

// Recv reads the next frame. Returns io.EOF once the stream closes after
// the terminal Exit frame.
func (e *Execution) Recv() (wire.ExecFrame, error) {
	var frame wire.ExecFrame
	if err := e.stream.RecvMsg(&frame); err != nil {
		if err == io.EOF {
			return wire.ExecFrame{}, io.EOF
		}
		return wire.ExecFrame{}, fmt.Errorf("guest: recv exec frame: %w", err)
	}
	return frame, nil
}

// UploadTar streams src's tar bytes to the guest's Files.UploadTar in
// fixed-size chunks.
func (s *Session) UploadTar(ctx context.Context, targetPath string, overwrite bool, src io.Reader) error {
	stream, err := s.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "UploadTar", ClientStreams: true}, wire.MethodFilesUploadTar)
	if err != nil {
		return fmt.Errorf("guest: open UploadTar stream: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			final := rerr == io.EOF
			msg := wire.UploadTarRequest{TargetPath: targetPath, Overwrite: overwrite, Chunk: append([]byte(nil), buf[:n]...), Final: final}
			if err := stream.SendMsg(&msg); err != nil {
				return fmt.Errorf("guest: send tar chunk: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("guest: read tar source: %w", rerr)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("guest: close UploadTar stream: %w", err)
	}
	if err := stream.RecvMsg(&struct{}{}); err != nil && err != io.EOF {
		return fmt.Errorf("guest: UploadTar response: %w", err)
	}
	return nil
}

// DownloadTar streams a tar of sourcePath from the guest into dst.
func (s *Session) DownloadTar(ctx context.Context, sourcePath string, includeParent, followSymlinks bool, dst io.Writer) error {
	stream, err := s.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "DownloadTar", ServerStreams: true}, wire.MethodFilesDownloadTar)
	if err != nil {
		return fmt.Errorf("guest: open DownloadTar stream: %w", err)
	}
	req := wire.DownloadTarRequest{SourcePath: sourcePath, IncludeParent: includeParent, FollowSymlinks: followSymlinks}
	if err := stream.SendMsg(&req); err != nil {
		return fmt.Errorf("guest: send DownloadTar request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("guest: close DownloadTar stream: %w", err)
	}

	for {
		var chunk wire.DownloadTarChunk
		if err := stream.RecvMsg(&chunk); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("guest: recv tar chunk: %w", err)
		}
		if len(chunk.Chunk) > 0 {
			if _, err := dst.Write(chunk.Chunk); err != nil {
				return fmt.Errorf("guest: write tar chunk: %w", err)
			}
		}
		if chunk.Final {
			return nil
		}
	}
}
