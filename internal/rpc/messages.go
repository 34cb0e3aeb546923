package rpc

// StartVmRequest asks the daemon to start a VM.
type StartVmRequest struct {
	ConfigPath string `cbor:"config_path"`
	// LogFD is a descriptor number in the caller's process. The daemon
	// copies the descriptor out of the caller and streams the VM console
	// into it.
	LogFD *int32 `cbor:"log_fd,omitempty"`
}

type StartVmResponse struct {
	Handle string `cbor:"handle"`
	CID    uint32 `cbor:"cid"`
}

type ListVmsRequest struct{}

// VmInfo describes one live VM.
type VmInfo struct {
	CID        uint32 `cbor:"cid"`
	ConfigPath string `cbor:"config_path"`
}

type ListVmsResponse struct {
	VMs []VmInfo `cbor:"vms"`
}

// HandleRequest names a VM handle owned by the calling connection.
type HandleRequest struct {
	Handle string `cbor:"handle"`
}

type DebugDropVmRefRequest struct {
	CID uint32 `cbor:"cid"`
}

// DebugDropVmRefResponse carries the dropped reference as a new handle
// when one was held.
type DebugDropVmRefResponse struct {
	Found  bool   `cbor:"found"`
	Handle string `cbor:"handle,omitempty"`
	CID    uint32 `cbor:"cid,omitempty"`
}

type GetCidResponse struct {
	CID uint32 `cbor:"cid"`
}

type Empty struct{}
