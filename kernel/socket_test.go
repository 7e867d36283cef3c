/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"testing"
	"time"
)

// TestAcceptConnectScenario drives the literal scenario: a server
// listens on port 100 and Accepts once; a client Connects and writes
// "hello"; the server must read it back whole.
func TestAcceptConnectScenario(t *testing.T) {
	k := NewKernel()
	listening := make(chan struct{})
	got := make(chan string, 1)
	fail := make(chan string, 2)

	server := func(th *Thread, argl int, args []byte) int {
		sfid := th.Socket(100)
		if sfid == NoFile || th.Listen(sfid) != 0 {
			close(listening)
			fail <- "server: listen failed"
			return -1
		}
		close(listening)
		ps := th.Accept(sfid)
		if ps == NoFile {
			fail <- "server: accept failed"
			return -1
		}
		buf := make([]byte, 5)
		n := th.Read(ps, buf)
		if n != 5 {
			fail <- "server: short read"
			return -1
		}
		got <- string(buf)
		return 0
	}

	client := func(th *Thread, argl int, args []byte) int {
		<-listening
		cfid := th.Socket(0)
		if cfid == NoFile || th.Connect(cfid, 100, Forever) != 0 {
			fail <- "client: connect failed"
			return -1
		}
		if n := th.Write(cfid, []byte("hello")); n != 5 {
			fail <- "client: short write"
			return -1
		}
		return 0
	}

	init := func(th *Thread, argl int, args []byte) int {
		spid := th.Exec(server, 0, nil)
		cpid := th.Exec(client, 0, nil)
		th.WaitChild(cpid)
		th.WaitChild(spid)
		return 0
	}
	k.Boot(init, 0, nil)

	select {
	case msg := <-fail:
		t.Fatalf("scenario failed: %s", msg)
	default:
	}
	select {
	case s := <-got:
		if s != "hello" {
			t.Fatalf("expected %q, got %q", "hello", s)
		}
	default:
		t.Fatalf("server never received a message")
	}
}

// TestConnectTimeoutScenario drives the literal scenario: a server
// listens on port 200 but never Accepts; a client's Connect with a
// 50ms timeout must fail within roughly that window, and the pending
// Request must already be gone from the listener's queue by then -- a
// later Accept must not be handed a stale, already-timed-out request.
func TestConnectTimeoutScenario(t *testing.T) {
	k := NewKernel()
	listening := make(chan struct{})
	releaseServer := make(chan struct{})
	connectRet := make(chan int, 1)
	connectElapsed := make(chan time.Duration, 1)
	acceptRet := make(chan Fid, 1)

	server := func(th *Thread, argl int, args []byte) int {
		sfid := th.Socket(200)
		if sfid == NoFile || th.Listen(sfid) != 0 {
			close(listening)
			return -1
		}
		close(listening)
		<-releaseServer
		// By now the client's Connect has already timed out. If its
		// Request were still queued, this Accept would dequeue it
		// immediately instead of blocking.
		go func() { acceptRet <- th.Accept(sfid) }()
		time.Sleep(20 * time.Millisecond)
		th.Close(sfid)
		return 0
	}

	client := func(th *Thread, argl int, args []byte) int {
		<-listening
		cfid := th.Socket(0)
		start := time.Now()
		ret := th.Connect(cfid, 200, Timeout(50*time.Millisecond))
		connectElapsed <- time.Since(start)
		connectRet <- ret
		close(releaseServer)
		return 0
	}

	init := func(th *Thread, argl int, args []byte) int {
		spid := th.Exec(server, 0, nil)
		cpid := th.Exec(client, 0, nil)
		th.WaitChild(cpid)
		th.WaitChild(spid)
		return 0
	}
	k.Boot(init, 0, nil)

	if ret := <-connectRet; ret != -1 {
		t.Fatalf("expected Connect to time out with -1, got %d", ret)
	}
	if elapsed := <-connectElapsed; elapsed < 45*time.Millisecond {
		t.Fatalf("expected Connect to block for roughly 50ms, only took %s", elapsed)
	}
	select {
	case fid := <-acceptRet:
		if fid != NoFile {
			t.Fatalf("accept unexpectedly admitted a stale timed-out request: fid=%v", fid)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("accept never returned after its listener was closed")
	}
}

// TestShutDownScenario drives the literal scenario: a peer pair writes
// "abc" one way, shuts down the write half, and the reader observes
// the bytes followed by EOF.
func TestShutDownScenario(t *testing.T) {
	k := NewKernel()
	listening := make(chan struct{})
	var gotBytes []byte
	var gotEOF bool

	server := func(th *Thread, argl int, args []byte) int {
		sfid := th.Socket(300)
		th.Listen(sfid)
		close(listening)
		ps := th.Accept(sfid)
		buf := make([]byte, 3)
		n := th.Read(ps, buf)
		gotBytes = append([]byte(nil), buf[:max0(n)]...)
		if n2 := th.Read(ps, buf); n2 == 0 {
			gotEOF = true
		}
		return 0
	}
	client := func(th *Thread, argl int, args []byte) int {
		<-listening
		cfid := th.Socket(0)
		if th.Connect(cfid, 300, Forever) != 0 {
			return -1
		}
		th.Write(cfid, []byte("abc"))
		th.ShutDown(cfid, ShutdownWrite)
		return 0
	}
	init := func(th *Thread, argl int, args []byte) int {
		spid := th.Exec(server, 0, nil)
		cpid := th.Exec(client, 0, nil)
		th.WaitChild(cpid)
		th.WaitChild(spid)
		return 0
	}
	k.Boot(init, 0, nil)

	if string(gotBytes) != "abc" {
		t.Fatalf("expected %q, got %q", "abc", string(gotBytes))
	}
	if !gotEOF {
		t.Fatalf("expected EOF after shutdown-write, read did not return 0")
	}
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// TestSocketDuality checks that bytes written on one peer arrive at
// the other, in both directions, without mixing.
func TestSocketDuality(t *testing.T) {
	k := NewKernel()
	listening := make(chan struct{})
	var fromA, fromB string

	a := func(th *Thread, argl int, args []byte) int {
		sfid := th.Socket(400)
		th.Listen(sfid)
		close(listening)
		ps := th.Accept(sfid)
		th.Write(ps, []byte("ping"))
		buf := make([]byte, 4)
		th.Read(ps, buf)
		fromB = string(buf)
		return 0
	}
	b := func(th *Thread, argl int, args []byte) int {
		<-listening
		cfid := th.Socket(0)
		if th.Connect(cfid, 400, Forever) != 0 {
			return -1
		}
		buf := make([]byte, 4)
		th.Read(cfid, buf)
		fromA = string(buf)
		th.Write(cfid, []byte("pong"))
		return 0
	}
	init := func(th *Thread, argl int, args []byte) int {
		apid := th.Exec(a, 0, nil)
		bpid := th.Exec(b, 0, nil)
		th.WaitChild(apid)
		th.WaitChild(bpid)
		return 0
	}
	k.Boot(init, 0, nil)

	if fromA != "ping" || fromB != "pong" {
		t.Fatalf("expected ping/pong, got fromA=%q fromB=%q", fromA, fromB)
	}
}
