/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package manager

import (
	"testing"
	"time"

	"github.com/dmavrogiorgis/tinyos3/kernel"
)

// TestRestarterShouldSleepEmptyWindow checks that a restarter with no
// recorded starts yet never imposes a cooldown.
func TestRestarterShouldSleepEmptyWindow(t *testing.T) {
	r := newRestarter(Config{MaxRestarts: 3, RestartPeriod: time.Minute, CooldownPeriod: time.Hour})
	if d := r.shouldSleep(); d != 0 {
		t.Fatalf("expected no cooldown before any start recorded, got %s", d)
	}
}

// TestRestarterShouldSleepPartialWindow checks that a restarter whose
// window isn't full yet (oldest slot still zero) never imposes a
// cooldown, however many times it has restarted so far.
func TestRestarterShouldSleepPartialWindow(t *testing.T) {
	r := newRestarter(Config{MaxRestarts: 3, RestartPeriod: time.Minute, CooldownPeriod: time.Hour})
	r.shift()
	r.shift()
	if d := r.shouldSleep(); d != 0 {
		t.Fatalf("expected no cooldown with an unfilled window, got %s", d)
	}
}

// TestRestarterCooldownOnTightWindow checks that once MaxRestarts
// starts have landed within less than RestartPeriod of each other, the
// next requestStart imposes CooldownPeriod.
func TestRestarterCooldownOnTightWindow(t *testing.T) {
	r := newRestarter(Config{MaxRestarts: 3, RestartPeriod: time.Hour, CooldownPeriod: time.Millisecond})
	r.shift()
	r.shift()
	r.shift()
	if d := r.shouldSleep(); d != time.Millisecond {
		t.Fatalf("expected a %s cooldown once the window is full and tight, got %s", time.Millisecond, d)
	}
}

// TestRestarterNoCooldownOnWideWindow checks that a window whose oldest
// entry already predates RestartPeriod never imposes a cooldown, even
// once full.
func TestRestarterNoCooldownOnWideWindow(t *testing.T) {
	r := newRestarter(Config{MaxRestarts: 3, RestartPeriod: time.Millisecond, CooldownPeriod: time.Hour})
	r.shift()
	time.Sleep(5 * time.Millisecond)
	r.shift()
	r.shift()
	if d := r.shouldSleep(); d != 0 {
		t.Fatalf("expected no cooldown once the oldest start has aged out of the window, got %s", d)
	}
}

// TestRestarterRequestStartInterruptibleByDie checks that a restarter
// blocked in its cooldown sleep returns promptly once die is closed,
// rather than waiting out the full cooldown.
func TestRestarterRequestStartInterruptibleByDie(t *testing.T) {
	r := newRestarter(Config{MaxRestarts: 1, RestartPeriod: time.Hour, CooldownPeriod: time.Hour})
	r.shift()

	die := make(chan bool)
	done := make(chan bool, 1)
	go func() {
		done <- r.requestStart(die)
	}()

	time.Sleep(10 * time.Millisecond)
	close(die)

	select {
	case died := <-done:
		if !died {
			t.Fatalf("expected requestStart to report it was interrupted by die")
		}
	case <-time.After(time.Second):
		t.Fatalf("requestStart did not return after die was closed")
	}
}

// TestSupervisorRestartsCrashedProgram drives a full Supervisor over a
// registered program that exits immediately every time, checking that
// it gets restarted at least twice before Close is called, and that
// Close returns once every supervisory goroutine has stopped.
func TestSupervisorRestartsCrashedProgram(t *testing.T) {
	const progName = "manager-test-crasher"
	starts := make(chan struct{}, 64)
	Register(progName, func(th *kernel.Thread, argl int, args []byte) int {
		starts <- struct{}{}
		return 1
	})

	k := kernel.NewKernel()
	started := make(chan struct{})
	stop := make(chan struct{})

	init := func(th *kernel.Thread, argl int, args []byte) int {
		sup := New(th, []Config{{
			Name:           "crasher",
			Program:        progName,
			MaxRestarts:    100,
			RestartPeriod:  time.Millisecond,
			CooldownPeriod: time.Millisecond,
		}}, nil)
		if err := sup.Start(); err != nil {
			t.Errorf("Start: %v", err)
			return 1
		}
		close(started)
		<-stop
		if err := sup.Close(); err != nil {
			t.Errorf("Close: %v", err)
			return 1
		}
		return 0
	}

	done := make(chan int, 1)
	go func() { done <- k.Boot(init, 0, nil) }()

	<-started
	for i := 0; i < 3; i++ {
		select {
		case <-starts:
		case <-time.After(time.Second):
			t.Fatalf("program was not (re)started within a second, restart #%d", i)
		}
	}
	close(stop)

	select {
	case ev := <-done:
		if ev != 0 {
			t.Fatalf("expected init to exit 0, got %d", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("supervisor never shut down")
	}
}

// TestSupervisorUnknownProgram checks that a Config naming an
// unregistered program makes its supervisory goroutine return an error
// from Close instead of panicking or hanging.
func TestSupervisorUnknownProgram(t *testing.T) {
	k := kernel.NewKernel()
	errCh := make(chan error, 1)

	init := func(th *kernel.Thread, argl int, args []byte) int {
		sup := New(th, []Config{{
			Name:           "ghost",
			Program:        "manager-test-does-not-exist",
			MaxRestarts:    3,
			RestartPeriod:  time.Minute,
			CooldownPeriod: time.Minute,
		}}, nil)
		if err := sup.Start(); err != nil {
			errCh <- err
			return 1
		}
		time.Sleep(20 * time.Millisecond)
		errCh <- sup.Close()
		return 0
	}
	k.Boot(init, 0, nil)

	if err := <-errCh; err == nil {
		t.Fatalf("expected Close to surface the unregistered-program error")
	}
}
