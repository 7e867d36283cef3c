/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import "testing"

// TestPipeBackpressureScenario drives the literal scenario: a writer
// pushes 8193 bytes of 0x41 into a pipe with an 8192-byte buffer, then
// closes, while a reader drains in 4096-byte chunks. Expected reads
// are 4096, 4096, 1, 0 (EOF).
func TestPipeBackpressureScenario(t *testing.T) {
	k := NewKernel()
	var reads [][]byte

	init := func(th *Thread, argl int, args []byte) int {
		rfid, wfid, ok := th.Pipe()
		if !ok {
			return -1
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer th.Close(wfid)
			payload := make([]byte, 8193)
			for i := range payload {
				payload[i] = 0x41
			}
			off := 0
			for off < len(payload) {
				n := th.Write(wfid, payload[off:])
				if n <= 0 {
					return
				}
				off += n
			}
		}()

		chunk := make([]byte, 4096)
		for i := 0; i < 4; i++ {
			n := th.Read(rfid, chunk)
			if n < 0 {
				n = 0
			}
			reads = append(reads, append([]byte(nil), chunk[:n]...))
			if n == 0 {
				break
			}
		}
		th.Close(rfid)
		<-done
		return 0
	}
	k.Boot(init, 0, nil)

	if len(reads) != 4 {
		t.Fatalf("expected 4 reads, got %d", len(reads))
	}
	wantLens := []int{4096, 4096, 1, 0}
	for i, want := range wantLens {
		if len(reads[i]) != want {
			t.Fatalf("read %d: expected %d bytes, got %d", i, want, len(reads[i]))
		}
	}
	for i, r := range reads[:3] {
		for j, b := range r {
			if b != 0x41 {
				t.Fatalf("read %d byte %d: expected 0x41, got %#x", i, j, b)
			}
		}
	}
}

// TestPipeFIFO checks that interleaved writes and reads on the same
// pipe preserve byte order: the concatenation observed by the reader
// is a prefix of the concatenation submitted by the writer.
func TestPipeFIFO(t *testing.T) {
	k := NewKernel()
	var got []byte

	init := func(th *Thread, argl int, args []byte) int {
		rfid, wfid, ok := th.Pipe()
		if !ok {
			return -1
		}
		chunks := [][]byte{[]byte("abc"), []byte("def"), []byte("ghijkl")}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer th.Close(wfid)
			for _, c := range chunks {
				off := 0
				for off < len(c) {
					n := th.Write(wfid, c[off:])
					if n <= 0 {
						return
					}
					off += n
				}
			}
		}()

		buf := make([]byte, 2)
		for {
			n := th.Read(rfid, buf)
			if n == 0 {
				break
			}
			if n < 0 {
				t.Fatalf("unexpected read error")
			}
			got = append(got, buf[:n]...)
		}
		th.Close(rfid)
		<-done
		return 0
	}
	k.Boot(init, 0, nil)

	if string(got) != "abcdefghijkl" {
		t.Fatalf("expected %q, got %q", "abcdefghijkl", string(got))
	}
}

// TestPipeEOF checks that a drained, writer-closed pipe yields 0 (EOF)
// on every further read and never -1 for a well-formed pipe.
func TestPipeEOF(t *testing.T) {
	k := NewKernel()
	var zeros int

	init := func(th *Thread, argl int, args []byte) int {
		rfid, wfid, ok := th.Pipe()
		if !ok {
			return -1
		}
		if n := th.Write(wfid, []byte("xyz")); n != 3 {
			t.Fatalf("write: expected 3, got %d", n)
		}
		th.Close(wfid)

		buf := make([]byte, 3)
		if n := th.Read(rfid, buf); n != 3 {
			t.Fatalf("read: expected 3, got %d", n)
		}
		for i := 0; i < 3; i++ {
			if n := th.Read(rfid, buf); n == 0 {
				zeros++
			} else if n < 0 {
				t.Fatalf("read after EOF returned -1, spec requires 0")
			} else {
				t.Fatalf("read after EOF returned %d bytes, expected 0", n)
			}
		}
		th.Close(rfid)
		return 0
	}
	k.Boot(init, 0, nil)

	if zeros != 3 {
		t.Fatalf("expected every post-EOF read to return 0, got %d zero reads of 3", zeros)
	}
}

// TestPipeWriteBrokenPipe checks that writing to a pipe whose reader
// has already closed returns -1 without blocking.
func TestPipeWriteBrokenPipe(t *testing.T) {
	k := NewKernel()
	var ret int

	init := func(th *Thread, argl int, args []byte) int {
		rfid, wfid, ok := th.Pipe()
		if !ok {
			return -1
		}
		th.Close(rfid)
		ret = th.Write(wfid, []byte("x"))
		th.Close(wfid)
		return 0
	}
	k.Boot(init, 0, nil)

	if ret != -1 {
		t.Fatalf("expected -1 on write to a pipe with no reader, got %d", ret)
	}
}
