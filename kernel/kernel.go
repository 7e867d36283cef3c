/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel implements an educational, in-process simulation of a
// Unix-like kernel's process/thread lifecycle and stream IPC: a process
// control table with parent/child waiting and reparenting-to-init, a
// bounded blocking pipe, a two-sided socket rendezvous built on top of a
// pair of pipes, and an FCB-based indirection layer tying file
// descriptors to whichever stream object backs them.
//
// There is no real preemptive scheduler underneath this package (Go's
// runtime schedules the goroutines that stand in for kernel threads),
// so every syscall body below holds the single Kernel.mu for its entire
// duration except while explicitly blocked on a sync.Cond. That mutex is
// this package's stand-in for the single non-preemptible CPU the
// original substrate assumes.
package kernel

import (
	"sync"

	"github.com/crewjam/rfc5424"
	"github.com/google/uuid"

	"github.com/dmavrogiorgis/tinyos3/log"
)

// Pid identifies a process-table slot.
type Pid int

// Fid identifies a live entry in a process's file/stream table.
type Fid int

// Sentinel return values used throughout the syscall surface.
const (
	NoProc Pid = -1
	NoFile Fid = -1
)

// Table sizes. MaxFileID is fixed the way the substrate's FIDT is: a
// small, statically sized per-process array. MaxProc/MaxPort are
// configurable at boot.
const (
	MaxFileID        = 16
	DefaultMaxProc   = 16
	DefaultMaxPort   = 1024
)

// Task is a process or thread's entry point: the function the kernel
// invokes on a fresh goroutine when Exec or CreateThread spawns it. argl
// and args mirror the byte-blob argument-passing convention of the
// substrate's process-image loader, which hands a thread its arguments
// as an opaque length-prefixed blob rather than a typed argv.
type Task func(t *Thread, argl int, args []byte) int

// Config sizes a Kernel's tables at boot.
type Config struct {
	MaxProc int
	MaxPort int
}

// Kernel is the shared kernel instance. One mutex guards the entire
// process table, port map, and every live PCB/PTCB/FCB/PipeCB/SocketCB
// reachable from it; syscalls are methods hung off Thread, which carry
// a reference back to the Kernel that owns their PCB.
type Kernel struct {
	mu sync.Mutex

	maxProc int
	maxPort int

	pt       []*PCB // process table, index == Pid
	freePids []Pid  // stack of free slots, LIFO; pid 0 is reserved and never pushed, so pid 1 is handed out first

	portMap []*SocketCB // index == port; nil means unbound

	bootID string // random per-instance id, stamped on every log line
	lg     *log.Logger
}

// NewKernel allocates a Kernel with default table sizes and a discard
// logger.
func NewKernel() *Kernel {
	return NewKernelConfig(Config{MaxProc: DefaultMaxProc, MaxPort: DefaultMaxPort})
}

// NewKernelConfig allocates a Kernel sized per cfg, defaulting any
// zero-valued fields.
func NewKernelConfig(cfg Config) *Kernel {
	if cfg.MaxProc <= 0 {
		cfg.MaxProc = DefaultMaxProc
	}
	if cfg.MaxPort <= 0 {
		cfg.MaxPort = DefaultMaxPort
	}
	k := &Kernel{
		maxProc: cfg.MaxProc,
		maxPort: cfg.MaxPort,
		pt:      make([]*PCB, cfg.MaxProc),
		portMap: make([]*SocketCB, cfg.MaxPort+1),
		bootID:  uuid.NewString(),
		lg:      log.NewDiscardLogger(),
	}
	// Pid 0 is reserved for the substrate's idle task, which this
	// package never models as a real process: it is never put on the
	// free list, so the first-ever allocation (Boot's init process)
	// always receives pid 1, matching the substrate's convention.
	for i := cfg.MaxProc - 1; i >= 1; i-- {
		k.freePids = append(k.freePids, Pid(i))
	}
	return k
}

// logInfo emits an INFO event tagged with this Kernel's boot id, so log
// lines from two Kernel instances sharing a sink can be told apart.
func (k *Kernel) logInfo(msg string, kvs ...rfc5424.SDParam) {
	k.lg.Info(msg, append([]rfc5424.SDParam{log.KV("boot", k.bootID)}, kvs...)...)
}

// SetLogger installs lg as the kernel's structured event logger. A nil
// lg installs a discard logger.
func (k *Kernel) SetLogger(lg *log.Logger) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	k.lg = lg
}

// Boot spawns the init process running initTask in slot 1 and blocks the
// calling goroutine until it exits, returning its exit value. Boot plays
// the role the substrate's boot loader plays: handing control to the
// first process image and never returning control to anything "below"
// the kernel until that process, and everything it spawned that cared
// to be waited on, is gone.
func (k *Kernel) Boot(initTask Task, argl int, args []byte) int {
	k.mu.Lock()
	pcb, ptcb := k.newProcessLocked(nil, initTask, argl, args)
	if pcb == nil {
		k.mu.Unlock()
		panic("kernel: process table exhausted during Boot")
	}
	t := &Thread{k: k, pcb: pcb, ptcb: ptcb}
	k.mu.Unlock()

	return t.runMain()
}
