package wire

// Method paths for the four guest services. There is no generated
// service descriptor (no .proto compiled), so internal/guest calls
// grpc.ClientConn.Invoke/NewStream directly against these strings.
const (
	MethodGuestInit     = "/boxlite.guest.v1.Guest/Init"
	MethodGuestPing     = "/boxlite.guest.v1.Guest/Ping"
	MethodGuestShutdown = "/boxlite.guest.v1.Guest/Shutdown"

	MethodContainerInit  = "/boxlite.guest.v1.Container/Init"
	MethodContainerStart = "/boxlite.guest.v1.Container/Start"
	MethodContainerWait  = "/boxlite.guest.v1.Container/Wait"

	MethodExecStream = "/boxlite.guest.v1.Exec/Stream"

	MethodFilesUploadTar   = "/boxlite.guest.v1.Files/UploadTar"
	MethodFilesDownloadTar = "/boxlite.guest.v1.Files/DownloadTar"
)

// SchemaMajorVersion is the wire schema major version this host build
// speaks; Ping.Version must match or Init is refused (§6).
const SchemaMajorVersion = 1

// RootfsKind mirrors internal/rootfs.Strategy for wire transmission.
type RootfsKind string

const (
	RootfsOverlay    RootfsKind = "overlay"
	RootfsMergedCopy RootfsKind = "merged_copy"
	RootfsDiskImage  RootfsKind = "disk_image"
)

// RootfsInit tells the guest how to mount its root filesystem.
type RootfsInit struct {
	Kind RootfsKind `json:"kind"`
	Path string     `json:"path"`
}

// VolumeInit is one bind mount or anonymous volume to surface in-guest.
type VolumeInit struct {
	HostTag   string `json:"host_tag"` // virtiofs tag, resolved by C6
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only"`
}

// NetworkInit carries whatever minimal network configuration the guest
// needs; BoxLite's scope is user-mode port forwarding only (§1 Non-goals).
type NetworkInit struct {
	PortForwards []string `json:"port_forwards,omitempty"`
}

// GuestInitRequest is Guest.Init's request message.
type GuestInitRequest struct {
	Volumes []VolumeInit `json:"volumes"`
	Rootfs  RootfsInit   `json:"rootfs"`
	Network *NetworkInit `json:"network,omitempty"`
}

// GuestInitResponse is Guest.Init's reply: either Success or a populated
// Error.
type GuestInitResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PingResponse carries the guest's advertised schema version.
type PingResponse struct {
	Version int `json:"version"`
}

// ContainerInitRequest configures the in-guest container runtime before
// Start.
type ContainerInitRequest struct {
	ContainerID  string            `json:"container_id"`
	Env          []string          `json:"env"`
	Entrypoint   []string          `json:"entrypoint"`
	Cmd          []string          `json:"cmd"`
	WorkingDir   string            `json:"working_dir"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// ContainerWaitResponse is returned once the container's main process
// exits. Negative ExitCode encodes a signal as -signum, per §4.7; host-side
// CLI conversion to 128+signum happens only at the outermost boundary.
type ContainerWaitResponse struct {
	ExitCode int32 `json:"exit_code"`
}

// StartExec is the first frame sent on an Exec stream.
type StartExec struct {
	ContainerID string   `json:"container_id"`
	Program     string   `json:"program"`
	Args        []string `json:"args"`
	Env         []string `json:"env"`
	WorkDir     string   `json:"workdir"`
	TTY         bool     `json:"tty"`
}

// ExecFrame is every subsequent frame on an Exec stream, in either
// direction. Exactly one of the payload fields is set per frame; Exit is
// terminal.
type ExecFrame struct {
	Stdin  []byte     `json:"stdin,omitempty"`
	Stdout []byte     `json:"stdout,omitempty"`
	Stderr []byte     `json:"stderr,omitempty"`
	Resize *TTYResize `json:"resize,omitempty"`
	Exit   *ExecExit  `json:"exit,omitempty"`
}

// TTYResize carries a terminal resize request.
type TTYResize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ExecExit is the terminal frame of an Exec stream. A negative ExitCode
// means the process died to signal -ExitCode.
type ExecExit struct {
	ExitCode int32 `json:"exit_code"`
}

// UploadTarRequest is Files.UploadTar's leading metadata frame; tar bytes
// follow as subsequent stream frames in the same message's Chunk field in
// this simplified JSON-framed transport.
type UploadTarRequest struct {
	TargetPath string `json:"target_path"`
	Overwrite  bool   `json:"overwrite"`
	Chunk      []byte `json:"chunk,omitempty"`
	Final      bool   `json:"final"`
}

// DownloadTarRequest is Files.DownloadTar's request message.
type DownloadTarRequest struct {
	SourcePath     string `json:"source_path"`
	IncludeParent  bool   `json:"include_parent"`
	FollowSymlinks bool   `json:"follow_symlinks"`
}

// DownloadTarChunk is one frame of Files.DownloadTar's response stream.
type DownloadTarChunk struct {
	Chunk []byte `json:"chunk"`
	Final bool   `json:"final"`
}
