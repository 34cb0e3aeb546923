// Package registry is the VM instance registry of the manager daemon.
//
// It assigns CIDs, tracks running VMs through non-owning references so
// that a VM lives exactly as long as its clients hold it, and keeps a
// small set of owning references on behalf of privileged debug callers.
// All state sits behind one mutex in Service; the component types in this
// package are not safe for concurrent use on their own.
package registry
