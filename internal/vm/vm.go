// Package vm runs virtual machines and shares them between owners.
//
// A Launcher boots a VM on the platform hypervisor and returns it as an
// Instance. Share wraps an Instance in a reference-counted container:
// owning references (*Ref) keep the VM running, weak references (Weak)
// observe it, and the VM is shut down when the last owning reference is
// released.
package vm
