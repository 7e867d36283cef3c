/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

// fileOps is the per-stream-type dispatch table: every FCB's behavior
// reaches its backing object (pipe end, socket, procinfo cursor)
// through this interface instead of a raw function-pointer vtable.
// read/write return the substrate's classic byte-count-or--1 sentinel;
// close returns 0 on success, -1 on failure.
type fileOps interface {
	read(buf []byte) int
	write(buf []byte) int
	close() int
}

// FCB is a reference-counted stream object. Pipes, sockets, and the
// OpenInfo cursor are all reachable only through one of these, itself
// only reachable through a process's file/stream table (FIDT). Exec
// shares FCBs between parent and child by bumping refcount rather than
// duplicating the underlying stream, so the last process (or duplicate
// fid) to close a stream is the one that actually tears it down.
type FCB struct {
	ops      fileOps
	refcount int
}

func newFCB(ops fileOps) *FCB {
	return &FCB{ops: ops, refcount: 1}
}

func (f *FCB) incref() { f.refcount++ }

// closeLocked releases one reference to f, invoking the backing
// stream's close only once the last reference drops. Must be called
// with the kernel mutex held.
func (f *FCB) closeLocked() int {
	f.refcount--
	if f.refcount > 0 {
		return 0
	}
	return f.ops.close()
}

// fidFCB resolves fid against pcb's file table, returning nil if fid is
// out of range or unused.
func fidFCB(pcb *PCB, fid Fid) *FCB {
	if fid < 0 || int(fid) >= MaxFileID {
		return nil
	}
	return pcb.fidt[fid]
}

// reserveFidsLocked reserves n free fids in pcb's table, all or
// nothing: either n free slots exist and their indices are returned, or
// none are reserved. This mirrors FCB_reserve's all-or-nothing
// allocation, which lets a multi-fid syscall like Pipe or Accept fail
// cleanly without leaving a half-built descriptor behind.
func (k *Kernel) reserveFidsLocked(pcb *PCB, n int) (fids []Fid, ok bool) {
	fids = make([]Fid, 0, n)
	for i := 0; i < MaxFileID && len(fids) < n; i++ {
		if pcb.fidt[i] == nil {
			fids = append(fids, Fid(i))
		}
	}
	if ok = len(fids) == n; !ok {
		fids = nil
	}
	return
}

// Read dispatches fid's Read to its backing stream.
func (t *Thread) Read(fid Fid, buf []byte) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	f := fidFCB(t.pcb, fid)
	if f == nil {
		return -1
	}
	return f.ops.read(buf)
}

// Write dispatches fid's Write to its backing stream.
func (t *Thread) Write(fid Fid, buf []byte) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	f := fidFCB(t.pcb, fid)
	if f == nil {
		return -1
	}
	return f.ops.write(buf)
}

// Close releases fid from the calling thread's process, tearing down
// the backing stream once its last reference is gone.
func (t *Thread) Close(fid Fid) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if fid < 0 || int(fid) >= MaxFileID {
		return -1
	}
	f := t.pcb.fidt[fid]
	if f == nil {
		return -1
	}
	t.pcb.fidt[fid] = nil
	return f.closeLocked()
}
