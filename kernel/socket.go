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
	"time"

	"github.com/dmavrogiorgis/tinyos3/log"
)

type socketType int

const (
	sockUnbound socketType = iota
	sockListener
	sockPeer
)

// admitState replaces the substrate's admit_flag-minus-one convention
// with an explicit enum: a pending Connect is neither admitted nor
// refused, and "timed out" is its own outcome rather than being folded
// into "refused".
type admitState int

const (
	admitPending admitState = iota
	admitAdmitted
	admitRefused
	admitTimedOut
)

// Timeout is a Connect call's wait budget. Forever blocks with no
// timeout. A Timeout of 0 is invalid.
type Timeout time.Duration

const Forever Timeout = -1

// ShutdownMode selects which half of a peer socket ShutDown tears down.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownBoth
)

// listenerState holds the fields meaningful only once a socket has
// become a listener.
type listenerState struct {
	queue   []*request
	isEmpty *sync.Cond // broadcast when the queue becomes non-empty, or when the listener is closing
	closed  bool       // set by closeLocked so a blocked Accept can tell a close apart from a spurious wake
}

// peerState holds the fields meaningful only once a socket has been
// connected via Accept or Connect. PEER is terminal: a socket never
// leaves this state once it enters it.
type peerState struct {
	send    *PipeCB
	receive *PipeCB
	peer    *SocketCB
}

// SocketCB is a kernel socket endpoint, tagged by typ: listener and
// peer keep their state in separate, independently-nil-able structs,
// and only the one matching typ is ever set, so a LISTENER socket has a
// nil peer field and vice versa. Both fields are still present on every
// SocketCB; nothing in the type system stops code from reading the wrong
// one, so every access is guarded by a typ check.
type SocketCB struct {
	k        *Kernel
	fcb      *FCB
	port     int
	typ      socketType
	listener *listenerState
	peer     *peerState
}

// request is a pending Connect call queued on a listener's accept queue.
type request struct {
	socket    *SocketCB
	connected *sync.Cond
	admit     admitState
	dequeued  bool
}

type socketEnd struct{ sock *SocketCB }

func (s *socketEnd) read(buf []byte) int {
	if s.sock.typ != sockPeer || s.sock.peer.receive == nil {
		return -1
	}
	return s.sock.peer.receive.read(buf)
}

func (s *socketEnd) write(buf []byte) int {
	if s.sock.typ != sockPeer || s.sock.peer.send == nil {
		return -1
	}
	return s.sock.peer.send.write(buf)
}

func (s *socketEnd) close() int {
	return s.sock.closeLocked()
}

// closeLocked tears down a socket in whatever state it is in. A
// listener drains its pending-connect queue, waking every blocked
// Connect with a refusal, before it is freed: the substrate frees a
// listener out from under requests that may still reference it, which
// is exactly the bug this version avoids by keeping the listener
// structurally alive (its queue reachable) until every Request has been
// told the rendezvous failed.
func (s *SocketCB) closeLocked() int {
	switch s.typ {
	case sockUnbound:
		// nothing else ever referenced it
	case sockListener:
		for _, r := range s.listener.queue {
			r.admit = admitRefused
			r.dequeued = true
			r.connected.Broadcast()
		}
		s.listener.queue = nil
		s.listener.closed = true
		s.listener.isEmpty.Broadcast()
		if s.port > 0 && s.port < len(s.k.portMap) && s.k.portMap[s.port] == s {
			s.k.portMap[s.port] = nil
		}
	case sockPeer:
		if s.peer.receive != nil {
			s.peer.receive.closeReader()
			s.peer.receive = nil
		}
		if s.peer.send != nil {
			s.peer.send.closeWriter()
			s.peer.send = nil
		}
		s.peer.peer = nil
	}
	return 0
}

func socketAt(pcb *PCB, fid Fid) (*SocketCB, bool) {
	f := fidFCB(pcb, fid)
	if f == nil {
		return nil, false
	}
	se, ok := f.ops.(*socketEnd)
	if !ok {
		return nil, false
	}
	return se.sock, true
}

// Socket creates a new UNBOUND socket bound to port (0 means anonymous:
// never published in the port map, only usable as a Connect caller).
func (t *Thread) Socket(port int) Fid {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if port < 0 || port > k.maxPort {
		return NoFile
	}
	fids, ok := k.reserveFidsLocked(t.pcb, 1)
	if !ok {
		return NoFile
	}
	sock := &SocketCB{k: k, port: port, typ: sockUnbound}
	sock.fcb = newFCB(&socketEnd{sock: sock})
	t.pcb.fidt[fids[0]] = sock.fcb
	return fids[0]
}

// Listen transitions an UNBOUND socket with a valid, unoccupied port
// into a LISTENER, publishing it in the port map so Connect can find it.
func (t *Thread) Listen(fid Fid) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	sock, ok := socketAt(t.pcb, fid)
	if !ok || sock.typ != sockUnbound {
		return -1
	}
	if sock.port <= 0 || sock.port > k.maxPort {
		return -1
	}
	if k.portMap[sock.port] != nil {
		return -1
	}
	sock.typ = sockListener
	sock.listener = &listenerState{isEmpty: sync.NewCond(&k.mu)}
	k.portMap[sock.port] = sock
	return 0
}

// Accept blocks until a Connect call queues a request on fid's listener,
// then builds the pair of cross-wired pipes that make both ends PEER
// sockets. It re-checks that fid is still a LISTENER with a non-empty
// queue on every wake, since the listener may have been closed (and its
// queue drained-and-refused) by the time Accept resumes.
func (t *Thread) Accept(fid Fid) Fid {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	sock, ok := socketAt(t.pcb, fid)
	if !ok || sock.typ != sockListener {
		return NoFile
	}
	l := sock.listener

	for len(l.queue) == 0 {
		if sock.typ != sockListener || l.closed {
			return NoFile
		}
		l.isEmpty.Wait()
		if sock.typ != sockListener || l.closed {
			return NoFile
		}
	}

	req := l.queue[0]
	l.queue = l.queue[1:]
	req.dequeued = true

	fids, reserved := k.reserveFidsLocked(t.pcb, 1)
	if !reserved {
		req.admit = admitRefused
		req.connected.Broadcast()
		return NoFile
	}

	clientSock := req.socket
	serverSock := &SocketCB{k: k, port: 0, typ: sockUnbound}
	serverSock.fcb = newFCB(&socketEnd{sock: serverSock})

	// p1 carries client -> server, p2 carries server -> client.
	p1 := newPipeCB(&k.mu)
	p1.writeFCB = clientSock.fcb
	p1.readFCB = serverSock.fcb
	p2 := newPipeCB(&k.mu)
	p2.writeFCB = serverSock.fcb
	p2.readFCB = clientSock.fcb

	clientSock.typ = sockPeer
	clientSock.peer = &peerState{send: p1, receive: p2, peer: serverSock}
	serverSock.typ = sockPeer
	serverSock.peer = &peerState{send: p2, receive: p1, peer: clientSock}

	t.pcb.fidt[fids[0]] = serverSock.fcb

	k.logInfo("socket accept", log.KV("pid", t.pcb.pid), log.KV("port", clientSock.port))

	req.admit = admitAdmitted
	req.connected.Broadcast()

	return fids[0]
}

// Connect queues a request on port's listener and waits for Accept to
// service it, up to timeout. A timed-out Connect dequeues its own
// request from the listener before returning so a later Accept can
// never hand a stale request to a caller that has already given up:
// the substrate this is modeled on never does this, leaving a dangling
// admitted-too-late race.
func (t *Thread) Connect(fid Fid, port int, timeout Timeout) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	sock, ok := socketAt(t.pcb, fid)
	if !ok || sock.typ != sockUnbound {
		return -1
	}
	if port <= 0 || port > k.maxPort {
		return -1
	}
	if timeout != Forever && timeout <= 0 {
		return -1 // a zero (or otherwise non-positive, non-Forever) timeout is invalid
	}
	listenerSock := k.portMap[port]
	if listenerSock == nil || listenerSock.typ != sockListener || listenerSock == sock {
		return -1
	}

	req := &request{socket: sock, connected: sync.NewCond(&k.mu), admit: admitPending}
	l := listenerSock.listener
	l.queue = append(l.queue, req)
	l.isEmpty.Broadcast()

	if timeout == Forever {
		for req.admit == admitPending {
			req.connected.Wait()
		}
	} else {
		deadline := time.Now().Add(time.Duration(timeout))
		for req.admit == admitPending && time.Now().Before(deadline) {
			condWaitUntil(req.connected, deadline)
		}
		if req.admit == admitPending {
			if !req.dequeued {
				removeRequestLocked(l, req)
			}
			req.admit = admitTimedOut
		}
	}

	if req.admit != admitAdmitted {
		return -1
	}
	return 0
}

func removeRequestLocked(l *listenerState, req *request) {
	for i, r := range l.queue {
		if r == req {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// condWaitUntil blocks on c until either it is signaled or deadline
// passes, whichever comes first. sync.Cond has no native timed wait;
// the timer goroutine reacquires c.L to deliver a wakeup, which is safe
// because the caller (inside c.Wait) has released it.
func condWaitUntil(c *sync.Cond, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		c.L.Lock()
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	timer.Stop()
}

// ShutDown tears down one or both directions of a PEER socket's pipes,
// waking whatever was blocked on the far end so it observes EOF or a
// broken pipe instead of hanging forever.
func (t *Thread) ShutDown(fid Fid, how ShutdownMode) int {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	sock, ok := socketAt(t.pcb, fid)
	if !ok || sock.typ != sockPeer {
		return -1
	}
	p := sock.peer
	if how == ShutdownRead || how == ShutdownBoth {
		if p.receive != nil {
			p.receive.closeReader()
			p.receive = nil
		}
	}
	if how == ShutdownWrite || how == ShutdownBoth {
		if p.send != nil {
			p.send.closeWriter()
			p.send = nil
		}
	}
	return 0
}
