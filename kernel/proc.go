/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"sync"

	"github.com/dmavrogiorgis/tinyos3/log"
)

type pstate int

const (
	pFree pstate = iota
	pAlive
	pZombie
)

// PCB is a process control block: one process-table slot. children and
// exited are LIFO stacks (most recently added at index 0), the same
// push-front ordering the substrate's intrusive lists use; exited holds
// zombie children waiting to be reaped by WaitChild.
type PCB struct {
	pid    Pid
	state  pstate
	parent *PCB

	children []*PCB
	exited   []*PCB

	exitVal int
	fidt    [MaxFileID]*FCB

	mainThread *PTCB
	ptcbs      []*PTCB
	numThreads int

	childExit *sync.Cond // broadcast whenever a child is appended to exited
}

// PTCB is a per-thread control block. Unlike the substrate this was
// modeled on -- which frees a PTCB the instant its thread calls
// ThreadExit, even though a concurrent ThreadJoin may still be
// dereferencing it -- this PTCB is reference counted and only detached
// from its process's thread list once the last holder (the thread
// itself, or a joiner that bumped refcount before waiting) releases it.
type PTCB struct {
	proc *PCB

	task Task
	argl int
	args []byte

	exitVal  int
	exited   bool
	detached bool
	refcount int

	joined *sync.Cond // broadcast on exit or detach
}

// Thread is a handle to one running (kernel) thread: a Tid. It carries
// everything a syscall needs to know which process and which thread
// issued it, since nothing in this package relies on goroutine-local
// state to recover that implicitly.
type Thread struct {
	k    *Kernel
	pcb  *PCB
	ptcb *PTCB
}

// Tid is the opaque per-thread handle returned by CreateThread and
// ThreadSelf, and consumed by ThreadJoin/ThreadDetach.
type Tid = *Thread

// newProcessLocked allocates a PCB/PTCB pair for a new process rooted at
// task, inheriting parent's FIDT by reference count (Exec's fd
// inheritance) when parent is non-nil. Must be called with k.mu held.
func (k *Kernel) newProcessLocked(parent *PCB, task Task, argl int, args []byte) (*PCB, *PTCB) {
	if len(k.freePids) == 0 {
		return nil, nil
	}
	pid := k.freePids[len(k.freePids)-1]
	k.freePids = k.freePids[:len(k.freePids)-1]

	pcb := &PCB{pid: pid, state: pAlive, parent: parent}
	pcb.childExit = sync.NewCond(&k.mu)

	if parent != nil {
		for i := range parent.fidt {
			if f := parent.fidt[i]; f != nil {
				f.incref()
				pcb.fidt[i] = f
			}
		}
		parent.children = append([]*PCB{pcb}, parent.children...)
	}

	argsCopy := append([]byte(nil), args...)
	ptcb := &PTCB{proc: pcb, task: task, argl: argl, args: argsCopy, refcount: 1}
	ptcb.joined = sync.NewCond(&k.mu)

	pcb.mainThread = ptcb
	pcb.ptcbs = append(pcb.ptcbs, ptcb)
	pcb.numThreads = 1

	k.pt[pid] = pcb
	return pcb, ptcb
}

func (k *Kernel) initProcLocked() *PCB {
	if len(k.pt) < 2 {
		return nil
	}
	if p := k.pt[1]; p != nil && p.state == pAlive {
		return p
	}
	return nil
}

func (k *Kernel) freeProcLocked(pcb *PCB) {
	pcb.state = pFree
	k.pt[pcb.pid] = nil
	k.freePids = append(k.freePids, pcb.pid)
}

func removePTCBLocked(pcb *PCB, pt *PTCB) {
	for i, p := range pcb.ptcbs {
		if p == pt {
			pcb.ptcbs = append(pcb.ptcbs[:i], pcb.ptcbs[i+1:]...)
			return
		}
	}
}

// runMain runs a process's main task to completion and then exits the
// process with its return value, returning that value to the caller
// (Boot, or the goroutine Exec spawned).
func (t *Thread) runMain() int {
	ev := t.ptcb.task(t, t.ptcb.argl, t.ptcb.args)
	t.Exit(ev)
	return ev
}

func (t *Thread) runThread() {
	ev := t.ptcb.task(t, t.ptcb.argl, t.ptcb.args)
	t.ThreadExit(ev)
}

// Exec spawns a new child process running task on its own goroutine,
// inheriting the calling process's open fids, and returns its pid
// immediately without waiting for it to run.
func (t *Thread) Exec(task Task, argl int, args []byte) Pid {
	k := t.k
	k.mu.Lock()
	pcb, ptcb := k.newProcessLocked(t.pcb, task, argl, args)
	if pcb == nil {
		k.mu.Unlock()
		return NoProc
	}
	pid := pcb.pid
	child := &Thread{k: k, pcb: pcb, ptcb: ptcb}
	k.logInfo("exec", log.KV("pid", pid), log.KV("ppid", t.pcb.pid))
	k.mu.Unlock()

	go child.runMain()
	return pid
}

// Exit terminates the calling thread's entire process: every open fid
// is closed, every still-alive child is reparented onto init (and every
// already-zombie child is handed to init's exited list so it is still
// reapable), and the process itself becomes a zombie on its parent's
// exited list -- or, if it has no parent (only Boot's init process has
// none), it is freed immediately since nothing will ever reap it. The
// process's main-thread PTCB is marked exited with val and its joiners
// are woken.
//
// Other threads of this process that are still running are not forced
// to stop: this package models process termination as a cooperative
// state transition the way its substrate's single-CPU scheduler would
// see it, but it cannot reach into another goroutine and kill it the
// way a real kernel can halt another thread's execution context. Any
// Task that wants clean shutdown on Exit needs to watch for it itself
// (e.g. via ThreadJoin on the main thread from another of its process's
// threads), a
// limitation worth keeping in mind: it has no analogue in the original
// single-CPU, fully-scheduled substrate.
func (t *Thread) Exit(val int) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	pcb := t.pcb
	if pcb.pid == 1 {
		// Init has nowhere to hand its children off to: drain every
		// remaining child (waiting for the alive ones to exit, then
		// reaping every zombie) before init itself is allowed to go,
		// so nothing it was responsible for is orphaned unreaped.
		for len(pcb.children) > 0 || len(pcb.exited) > 0 {
			if idx := len(pcb.exited) - 1; idx >= 0 {
				child := pcb.exited[idx]
				pcb.exited = pcb.exited[:idx]
				k.freeProcLocked(child)
				continue
			}
			pcb.childExit.Wait()
		}
	}
	for i := range pcb.fidt {
		if f := pcb.fidt[i]; f != nil {
			f.closeLocked()
			pcb.fidt[i] = nil
		}
	}

	if initPCB := k.initProcLocked(); initPCB != nil && initPCB != pcb {
		for _, c := range pcb.children {
			c.parent = initPCB
			initPCB.children = append([]*PCB{c}, initPCB.children...)
		}
		if len(pcb.exited) > 0 {
			initPCB.exited = append(pcb.exited, initPCB.exited...)
			initPCB.childExit.Broadcast()
		}
	}
	pcb.children = nil
	pcb.exited = nil

	if mt := pcb.mainThread; mt != nil && !mt.exited {
		mt.exitVal = val
		mt.exited = true
		mt.joined.Broadcast()
	}

	pcb.exitVal = val
	pcb.state = pZombie
	k.logInfo("exit", log.KV("pid", pcb.pid), log.KV("exitval", val))

	if pcb.parent != nil {
		p := pcb.parent
		for i, c := range p.children {
			if c == pcb {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		p.exited = append([]*PCB{pcb}, p.exited...)
		p.childExit.Broadcast()
	} else {
		k.freeProcLocked(pcb)
	}
}

// WaitChild waits for a specific child (cpid != NoProc) or for any child
// (cpid == NoProc) to become a zombie, reaps it, and returns its pid and
// exit value. It returns (NoProc, 0) immediately if the requested child
// (or any child, in the any-child case) does not exist.
func (t *Thread) WaitChild(cpid Pid) (Pid, int) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	pcb := t.pcb

	if cpid == NoProc {
		for {
			if len(pcb.exited) > 0 {
				child := pcb.exited[0]
				pcb.exited = pcb.exited[1:]
				ev := child.exitVal
				cpid := child.pid
				k.freeProcLocked(child)
				return cpid, ev
			}
			if len(pcb.children) == 0 {
				return NoProc, 0
			}
			pcb.childExit.Wait()
		}
	}

	for {
		for i, c := range pcb.exited {
			if c.pid == cpid {
				ev := c.exitVal
				pcb.exited = append(pcb.exited[:i], pcb.exited[i+1:]...)
				k.freeProcLocked(c)
				return cpid, ev
			}
		}
		found := false
		for _, c := range pcb.children {
			if c.pid == cpid {
				found = true
				break
			}
		}
		if !found {
			return NoProc, 0
		}
		pcb.childExit.Wait()
	}
}

// GetPid returns the calling process's pid.
func (t *Thread) GetPid() Pid { return t.pcb.pid }

// GetPPid returns the calling process's parent's pid, or NoProc if it
// has none (it is init).
func (t *Thread) GetPPid() Pid {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.pcb.parent == nil {
		return NoProc
	}
	return t.pcb.parent.pid
}

// CreateThread spawns a new thread in the calling thread's process,
// returning its Tid immediately.
func (t *Thread) CreateThread(task Task, argl int, args []byte) Tid {
	k := t.k
	k.mu.Lock()
	pcb := t.pcb
	argsCopy := append([]byte(nil), args...)
	ptcb := &PTCB{proc: pcb, task: task, argl: argl, args: argsCopy, refcount: 1}
	ptcb.joined = sync.NewCond(&k.mu)
	pcb.ptcbs = append(pcb.ptcbs, ptcb)
	pcb.numThreads++
	nt := &Thread{k: k, pcb: pcb, ptcb: ptcb}
	k.mu.Unlock()

	go nt.runThread()
	return nt
}

// ThreadSelf returns the calling thread's own Tid.
func (t *Thread) ThreadSelf() Tid { return t }

// ThreadJoin blocks until tid exits or is detached, returning its exit
// value and true on a clean join, or (0, false) if tid is invalid,
// belongs to another process, refers to the caller itself, is already
// detached, or becomes detached while the caller is waiting.
func (t *Thread) ThreadJoin(tid Tid) (int, bool) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if tid == nil || tid == t || tid.pcb != t.pcb {
		return 0, false
	}
	pt := tid.ptcb
	if pt.detached {
		return 0, false
	}

	pt.refcount++
	for !pt.exited && !pt.detached {
		pt.joined.Wait()
	}
	ok := !pt.detached
	var ev int
	if ok {
		ev = pt.exitVal
	}
	pt.refcount--
	if pt.exited && pt.refcount == 0 {
		removePTCBLocked(t.pcb, pt)
	}
	return ev, ok
}

// ThreadDetach marks tid as detached: any ThreadJoin already waiting on
// it, or that arrives later, fails instead of blocking or returning its
// exit value.
func (t *Thread) ThreadDetach(tid Tid) bool {
	if tid == nil || tid.pcb != t.pcb {
		return false
	}
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	pt := tid.ptcb
	if pt.exited {
		return false
	}
	pt.detached = true
	pt.joined.Broadcast()
	return true
}

// ThreadExit terminates the calling thread, recording val as its exit
// value and waking any joiners. The PTCB itself is only detached from
// the process's thread list once every holder of a reference -- the
// thread's own implicit reference, released here, and any in-flight
// ThreadJoin call -- has released it; this is the ref-counted,
// last-releaser-frees fix for the substrate's free-while-a-joiner-may-
// still-reference-it bug. If this was the process's last thread, the
// whole process exits with val.
func (t *Thread) ThreadExit(val int) {
	k := t.k
	k.mu.Lock()
	pt := t.ptcb
	pcb := t.pcb

	pt.exitVal = val
	pt.exited = true
	pcb.numThreads--
	pt.joined.Broadcast()

	pt.refcount--
	if pt.refcount == 0 {
		removePTCBLocked(pcb, pt)
	}
	last := pcb.numThreads == 0
	k.mu.Unlock()

	if last {
		t.Exit(val)
	}
}
