package bussun

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"
)

// RemoteRegion is guest memory living inside another process, typically an
// emulator that keeps guest RAM in one host mapping. Guest address base
// corresponds to host address host in that process.
type RemoteRegion struct {
	name string
	pid  int
	host uint64
	base uint32
	size uint32
}

func NewRemoteRegion(name string, pid int, host uint64, base uint32, size uint32) *RemoteRegion {
	return &RemoteRegion{name: name, pid: pid, host: host, base: base, size: size}
}

func (r *RemoteRegion) Name() string { return r.name }
func (r *RemoteRegion) Base() uint32 { return r.base }
func (r *RemoteRegion) Size() uint32 { return r.size }

func (r *RemoteRegion) iovecs(p []byte, addr uint32) ([]unix.Iovec, []unix.RemoteIovec) {
	// constructs a local iovec (a description of a memory buffer)
	localIov := []unix.Iovec{{Base: &p[0]}}
	localIov[0].SetLen(len(p))

	// construct remote iovec (target process memory address and length)
	remoteIov := []unix.RemoteIovec{{
		Base: uintptr(r.host + uint64(addr-r.base)),
		Len:  len(p),
	}}
	return localIov, remoteIov
}

// ReadAt reads guest memory through process_vm_readv.
func (r *RemoteRegion) ReadAt(p []byte, addr uint32) error {
	if len(p) == 0 {
		return nil
	}
	local, remote := r.iovecs(p, addr)
	n, err := unix.ProcessVMReadv(r.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("%v process_vm_readv pid %d", err, r.pid)
	}
	if n != len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// WriteAt writes guest memory through process_vm_writev.
func (r *RemoteRegion) WriteAt(p []byte, addr uint32) error {
	if len(p) == 0 {
		return nil
	}
	local, remote := r.iovecs(p, addr)
	n, err := unix.ProcessVMWritev(r.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("%v process_vm_writev pid %d", err, r.pid)
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// FindProcess returns the pid of the first running process whose executable
// name matches name, either exactly or as a glob pattern.
func FindProcess(name string) (int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return 0, fmt.Errorf("%v list processes", err)
	}
	for _, proc := range procs {
		exe := proc.Executable()
		if exe == name {
			return proc.Pid(), nil
		}
		if ok, _ := filepath.Match(name, exe); ok {
			return proc.Pid(), nil
		}
	}
	return 0, fmt.Errorf("no process named %q", name)
}

// RemoteGuestRAM locates guest RAM of size bytes in a traced process and maps
// it at guest address base.
func RemoteGuestRAM(program *TracedProgram, match string, base uint32, size uint32) (*RemoteRegion, error) {
	entry, err := FindMapping(program.Entries, match, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("%v pid %d", err, program.Pid())
	}
	return NewRemoteRegion("guest", program.Pid(), entry.StartAddress, base, size), nil
}
