// Package rpc exposes the VM registry over gRPC on a Unix socket.
//
// Payloads are CBOR encoded (content-subtype "cbor"). Callers are
// identified by the kernel peer credentials of their socket, and VMs
// are returned to clients as opaque handle tokens that stay valid for
// the lifetime of the connection that received them.
package rpc
