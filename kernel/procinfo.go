/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"encoding/binary"
	"reflect"
)

// ProcInfoMaxArgsSize bounds the Args field of a ProcInfo record.
const ProcInfoMaxArgsSize = 128

// ProcInfo is a snapshot of one process-table slot, the fixed binary
// record an OpenInfo stream yields one of per Read call. MainTask
// stands in for the substrate's raw main_task function pointer: since a
// Go func value has no stable address to export, it's the entry point's
// reflect-derived code pointer, still unique-per-task and useful for a
// human or test comparing "is this the same program".
type ProcInfo struct {
	Pid         Pid
	Ppid        Pid
	Alive       bool
	ThreadCount uint32
	MainTask    uintptr
	Argl        int
	Args        [ProcInfoMaxArgsSize]byte
}

// procInfoRecordSize is the encoded byte length of one ProcInfo record:
// two int32 pids, a byte flag, a uint32 thread count, a uint64 task
// pointer, an int32 arg length, and the fixed arg blob.
const procInfoRecordSize = 4 + 4 + 1 + 4 + 8 + 4 + ProcInfoMaxArgsSize

// procInfoStream is the OpenInfo cursor: a linear scan over the process
// table that wraps back to the start once it reaches the end, mirroring
// the substrate's process_counter global cursor.
type procInfoStream struct {
	k      *Kernel
	cursor Pid
}

func (s *procInfoStream) read(buf []byte) int {
	for int(s.cursor) < len(s.k.pt) {
		pcb := s.k.pt[s.cursor]
		s.cursor++
		if pcb == nil {
			continue
		}
		info := pcb.snapshot()
		return encodeProcInfo(info, buf)
	}
	s.cursor = 0
	return 0
}

func (s *procInfoStream) write(buf []byte) int { return -1 }
func (s *procInfoStream) close() int            { return 0 }

func (pcb *PCB) snapshot() ProcInfo {
	info := ProcInfo{
		Pid:         pcb.pid,
		Alive:       pcb.state == pAlive,
		ThreadCount: uint32(pcb.numThreads),
	}
	if pcb.parent != nil {
		info.Ppid = pcb.parent.pid
	} else {
		info.Ppid = NoProc
	}
	if pcb.mainThread != nil {
		info.Argl = pcb.mainThread.argl
		info.MainTask = reflect.ValueOf(pcb.mainThread.task).Pointer()
		copy(info.Args[:], pcb.mainThread.args)
	}
	return info
}

// encodeProcInfo marshals info into buf, returning the number of bytes
// written or -1 if buf is too small to hold a full record.
func encodeProcInfo(info ProcInfo, buf []byte) int {
	if len(buf) < procInfoRecordSize {
		return -1
	}
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(info.Pid))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(info.Ppid))
	off += 4
	if info.Alive {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], info.ThreadCount)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(info.MainTask))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(info.Argl))
	off += 4
	copy(buf[off:off+ProcInfoMaxArgsSize], info.Args[:])
	off += ProcInfoMaxArgsSize
	return off
}

// OpenInfo opens an OpenInfo cursor over the whole process table.
func (t *Thread) OpenInfo() Fid {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	fids, ok := k.reserveFidsLocked(t.pcb, 1)
	if !ok {
		return NoFile
	}
	t.pcb.fidt[fids[0]] = newFCB(&procInfoStream{k: k})
	return fids[0]
}
