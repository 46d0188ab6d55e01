//go:build linux

package netio

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestEpoll_RegisterWaitReadable(t *testing.T) {
	fds, err := unix.Pipe2(0)
	if err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	ep, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer ep.Close()

	if err := ep.Register(r, true, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ready, err := ep.Wait(0)
	if err != nil {
		t.Fatalf("Wait (empty pipe): %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("Wait on empty pipe returned %d ready fds, want 0", len(ready))
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write to pipe: %v", err)
	}

	ready, err = ep.Wait(1_000_000_000)
	if err != nil {
		t.Fatalf("Wait (after write): %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("Wait after write returned %d ready fds, want 1", len(ready))
	}
	if ready[0].FD != r || !ready[0].Readable {
		t.Fatalf("ready = %+v, want readable fd %d", ready[0], r)
	}

	if err := ep.Unregister(r); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}

func TestEpoll_ModifyClearsWriteInterest(t *testing.T) {
	fds, err := unix.Pipe2(0)
	if err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	ep, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer ep.Close()

	if err := ep.Register(w, false, true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ready, err := ep.Wait(1_000_000_000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 1 || !ready[0].Writable {
		t.Fatalf("ready = %+v, want one writable fd", ready)
	}

	if err := ep.Modify(w, false, false); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	ready, err = ep.Wait(0)
	if err != nil {
		t.Fatalf("Wait after Modify: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("Wait after clearing interest returned %d ready fds, want 0", len(ready))
	}
}
