/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import "sync"

// PipeBufferSize bounds a PipeCB's ring buffer. A Write that would
// overflow it blocks (or returns a short count, see PipeCB.write)
// rather than growing the buffer: pipes in this kernel are
// fixed-capacity, exactly like the substrate's BUFFER_SIZE ring.
const PipeBufferSize = 8192

// PipeCB is a bounded, blocking single-producer/single-consumer byte
// pipe. readFCB/writeFCB track which side, if any, is still open: a
// Pipe's two ends point each other's FCB here so that closing one side
// is visible to blocked operations on the other. Socket rendezvous
// reuses this same type for its two cross-wired byte streams.
type PipeCB struct {
	buf    [PipeBufferSize]byte
	head   int
	nelems int

	readFCB  *FCB
	writeFCB *FCB

	producer *sync.Cond // waiters blocked on a full buffer; signaled when space frees up
	consumer *sync.Cond // waiters blocked on an empty buffer; signaled when data arrives
}

func newPipeCB(mu *sync.Mutex) *PipeCB {
	p := &PipeCB{}
	p.producer = sync.NewCond(mu)
	p.consumer = sync.NewCond(mu)
	return p
}

// write copies as much of buf as fits into the ring, blocking first only
// if the buffer is already full and a reader is still attached. Once
// copying starts it does not block again within the same call: if the
// buffer fills up mid-copy the call returns the short count written so
// far, the same way a Unix pipe write may return short rather than
// draining to completion. Must be called with the kernel mutex held.
func (p *PipeCB) write(buf []byte) int {
	for p.nelems == PipeBufferSize && p.readFCB != nil {
		p.producer.Wait()
	}
	if p.readFCB == nil {
		return -1 // broken pipe: no reader left to ever drain this
	}
	n := 0
	for n < len(buf) && p.nelems < PipeBufferSize {
		p.buf[(p.head+p.nelems)%PipeBufferSize] = buf[n]
		p.nelems++
		n++
	}
	p.consumer.Broadcast()
	return n
}

// read copies up to len(buf) bytes out of the ring, blocking first only
// if the buffer is empty and a writer is still attached. Returns 0 (not
// -1) once the writer has closed and the buffer has drained: that is
// this pipe's EOF. Must be called with the kernel mutex held.
func (p *PipeCB) read(buf []byte) int {
	if p.nelems == 0 && p.writeFCB == nil {
		return 0
	}
	for p.nelems == 0 && p.writeFCB != nil {
		p.consumer.Wait()
	}
	if p.nelems == 0 {
		return 0 // writer closed while we waited and drained what was left
	}
	n := 0
	for n < len(buf) && p.nelems > 0 {
		buf[n] = p.buf[p.head]
		p.head = (p.head + 1) % PipeBufferSize
		p.nelems--
		n++
	}
	if p.writeFCB != nil {
		p.producer.Broadcast()
	}
	return n
}

// closeReader detaches the read end. Any writer blocked on a full
// buffer is woken so it can observe the broken pipe instead of blocking
// forever.
func (p *PipeCB) closeReader() int {
	p.readFCB = nil
	p.producer.Broadcast()
	return 0
}

// closeWriter detaches the write end. Any reader blocked on an empty
// buffer is woken so it can observe EOF instead of blocking forever.
func (p *PipeCB) closeWriter() int {
	p.writeFCB = nil
	p.consumer.Broadcast()
	return 0
}

// pipeReadEnd is the fileOps a Pipe's read-side FCB points at. Writing
// to the read end is always an error, matching the substrate's
// NullWritePipe stub.
type pipeReadEnd struct{ pipe *PipeCB }

func (r *pipeReadEnd) read(buf []byte) int  { return r.pipe.read(buf) }
func (r *pipeReadEnd) write(buf []byte) int { return -1 }
func (r *pipeReadEnd) close() int           { return r.pipe.closeReader() }

// pipeWriteEnd is the fileOps a Pipe's write-side FCB points at.
type pipeWriteEnd struct{ pipe *PipeCB }

func (w *pipeWriteEnd) read(buf []byte) int  { return -1 }
func (w *pipeWriteEnd) write(buf []byte) int { return w.pipe.write(buf) }
func (w *pipeWriteEnd) close() int           { return w.pipe.closeWriter() }

// Pipe creates a unidirectional byte pipe and returns its (read, write)
// fids in the calling thread's process.
func (t *Thread) Pipe() (readFid, writeFid Fid, ok bool) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	fids, reserved := k.reserveFidsLocked(t.pcb, 2)
	if !reserved {
		return NoFile, NoFile, false
	}

	pipe := newPipeCB(&k.mu)
	readFCB := newFCB(&pipeReadEnd{pipe: pipe})
	writeFCB := newFCB(&pipeWriteEnd{pipe: pipe})
	pipe.readFCB = readFCB
	pipe.writeFCB = writeFCB

	t.pcb.fidt[fids[0]] = readFCB
	t.pcb.fidt[fids[1]] = writeFCB
	return fids[0], fids[1], true
}
