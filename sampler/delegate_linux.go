// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && (amd64 || arm64)

package sampler

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/threadsnap/stacksampler/libsampler"
	"github.com/threadsnap/stacksampler/procmaps"
	"github.com/threadsnap/stacksampler/registers"
)

// ErrNoStackMapping means the target's memory map has no stack region.
var ErrNoStackMapping = errors.New("no stack mapping in process memory map")

// PtraceDelegate stops one thread of another process with ptrace and
// reads its registers and stack while it is stopped. Stack bytes are
// fetched with process_vm_readv, so nothing is copied through the tracee.
//
// All methods must be called from a single goroutine locked to its OS
// thread: the kernel requires the waiting thread to be the attaching
// tracer.
type PtraceDelegate struct {
	pid int
	tid int

	// suspension is preallocated: Suspend must not allocate state that
	// lives into the suspended window.
	suspension ptraceSuspension
}

// NewPtraceDelegate returns a delegate bound to thread tid of process
// pid. Tracing a thread of the calling process is rejected, the kernel
// does not allow attaching within one thread group.
func NewPtraceDelegate(pid, tid int) (*PtraceDelegate, error) {
	if pid == os.Getpid() {
		return nil, fmt.Errorf("cannot trace own thread group %d", pid)
	}
	d := &PtraceDelegate{pid: pid, tid: tid}
	d.suspension.tid = tid
	return d, nil
}

// StackBaseAddress reads the top of the main thread stack from the
// target's memory map. Called before suspension, per-call parsing is
// fine.
func (d *PtraceDelegate) StackBaseAddress() (libsampler.Address, error) {
	mappings, err := procmaps.Snapshot(d.pid)
	if err != nil {
		return 0, err
	}
	for i := range mappings {
		if mappings[i].Path == "[stack]" {
			return mappings[i].End(), nil
		}
	}
	return 0, ErrNoStackMapping
}

// Suspend attaches to the thread and waits for it to enter the stop
// state.
func (d *PtraceDelegate) Suspend() (ThreadSuspension, error) {
	if err := unix.PtraceAttach(d.tid); err != nil {
		return nil, fmt.Errorf("ptrace attach tid %d: %w", d.tid, err)
	}

	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(d.tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			_ = unix.PtraceDetach(d.tid)
			return nil, fmt.Errorf("wait for stop of tid %d: %w", d.tid, err)
		}
		break
	}
	if !status.Stopped() {
		_ = unix.PtraceDetach(d.tid)
		return nil, fmt.Errorf("tid %d did not stop: status %#x", d.tid, status)
	}
	return &d.suspension, nil
}

// RegistersToRewrite names the callee-saved pointer registers of the
// platform calling convention.
func (d *PtraceDelegate) RegistersToRewrite(
	ctx *registers.Context) []*libsampler.Address {
	return registers.CalleeSavedPointerRegisters(ctx)
}

// ptraceSuspension is the stopped-thread window. Its iovec pair is part
// of the struct so CopyStackSegment stays allocation free.
type ptraceSuspension struct {
	tid       int
	localIov  [1]unix.Iovec
	remoteIov [1]unix.RemoteIovec
}

func (s *ptraceSuspension) ReadRegisters(ctx *registers.Context) bool {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(s.tid, &regs); err != nil {
		return false
	}
	loadPtraceRegs(ctx, &regs)
	return true
}

func (s *ptraceSuspension) CopyStackSegment(addr libsampler.Address,
	dst []byte) bool {
	if len(dst) == 0 {
		return true
	}
	s.localIov[0].Base = &dst[0]
	s.localIov[0].SetLen(len(dst))
	s.remoteIov[0] = unix.RemoteIovec{Base: uintptr(addr), Len: len(dst)}

	n, err := unix.ProcessVMReadv(s.tid, s.localIov[:], s.remoteIov[:], 0)
	return err == nil && n == len(dst)
}

func (s *ptraceSuspension) Resume() {
	if err := unix.PtraceDetach(s.tid); err != nil {
		// The thread is either gone or already detached; it cannot be
		// left stopped by a failed detach.
		log.Warnf("Detaching from tid %d: %v", s.tid, err)
	}
}
