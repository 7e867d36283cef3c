/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package demo provides a handful of named kernel.Task programs that
// exercise the kernel's pipe backpressure and socket rendezvous paths,
// registered with manager at init time so an ini config can reference
// them by name the same way it would name os-level executables.
package demo

import (
	"github.com/dmavrogiorgis/tinyos3/kernel"
	"github.com/dmavrogiorgis/tinyos3/manager"
)

func init() {
	manager.Register("echo-server", EchoServer)
	manager.Register("echo-client", EchoClient)
	manager.Register("pipeline", Pipeline)
}

// EchoServer binds the port encoded in args[0] as a listener and
// echoes back whatever each connecting peer sends it. With argl == 1
// it serves connections forever (the shape a manager.Supervisor
// expects to restart on crash); with argl == 2, args[1] caps it to
// that many Accept calls, each served to completion before the next,
// and it returns 0 once it has served that many -- the shape a
// one-shot demo needs so its process actually exits and can be reaped.
func EchoServer(t *kernel.Thread, argl int, args []byte) int {
	if argl < 1 || len(args) < 1 {
		return -1
	}
	port := int(args[0])
	limit := -1
	if argl >= 2 && len(args) >= 2 {
		limit = int(args[1])
	}

	sfid := t.Socket(port)
	if sfid == kernel.NoFile {
		return -1
	}
	defer t.Close(sfid)
	if t.Listen(sfid) != 0 {
		return -1
	}

	for served := 0; limit < 0 || served < limit; served++ {
		cfid := t.Accept(sfid)
		if cfid == kernel.NoFile {
			return -1
		}
		if limit < 0 {
			go serveEcho(t, cfid)
		} else {
			serveEcho(t, cfid)
		}
	}
	return 0
}

func serveEcho(t *kernel.Thread, fid kernel.Fid) {
	defer t.Close(fid)
	buf := make([]byte, 256)
	for {
		n := t.Read(fid, buf)
		if n <= 0 {
			return
		}
		if t.Write(fid, buf[:n]) != n {
			return
		}
	}
}

// EchoClient connects to the port encoded in args[0], writes the
// remaining bytes of args as a message, reads back an equal-length
// reply, and exits 0 if the reply matches what it sent.
func EchoClient(t *kernel.Thread, argl int, args []byte) int {
	if argl < 2 || len(args) < 2 {
		return -1
	}
	port := int(args[0])
	msg := args[1:argl]

	cfid := t.Socket(0)
	if cfid == kernel.NoFile {
		return -1
	}
	defer t.Close(cfid)

	if t.Connect(cfid, port, kernel.Forever) != 0 {
		return -1
	}
	if t.Write(cfid, msg) != len(msg) {
		return -1
	}
	reply := make([]byte, len(msg))
	got := 0
	for got < len(reply) {
		n := t.Read(cfid, reply[got:])
		if n <= 0 {
			return -1
		}
		got += n
	}
	for i := range msg {
		if msg[i] != reply[i] {
			return -1
		}
	}
	return 0
}

// Pipeline demonstrates the bounded pipe's backpressure: it spawns a
// producer goroutine that writes a buffer (3 * kernel.PipeBufferSize
// bytes by default, or args[0] bytes when that is non-zero) into one
// end, while the calling thread drains
// the other end in small chunks, and returns the total byte count
// observed by the reader.
func Pipeline(t *kernel.Thread, argl int, args []byte) int {
	rfid, wfid, ok := t.Pipe()
	if !ok {
		return -1
	}

	total := kernel.PipeBufferSize * 3
	if argl > 0 && len(args) > 0 {
		if n := int(args[0]); n > 0 {
			total = n
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer t.Close(wfid)
		payload := make([]byte, total)
		for off := 0; off < len(payload); {
			n := t.Write(wfid, payload[off:])
			if n < 0 {
				return
			}
			off += n
		}
	}()

	read := 0
	chunk := make([]byte, 512)
	for {
		n := t.Read(rfid, chunk)
		if n <= 0 {
			break
		}
		read += n
	}
	t.Close(rfid)
	<-done
	return read
}
