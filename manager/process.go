/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package manager's Supervisor restarts a named program, with a
// cooldown once it crashes too many times in too short a window,
// targeted at kernel processes instead of os/exec children: Exec takes
// the place of exec.Cmd.Start, and WaitChild takes the place of
// cmd.Wait.
package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmavrogiorgis/tinyos3/kernel"
	"github.com/dmavrogiorgis/tinyos3/log"
)

// Supervisor runs a fixed set of named, registered kernel programs,
// restarting each one on crash according to its own Config, until
// Close is called.
type Supervisor struct {
	t    *kernel.Thread
	lg   *log.Logger
	cfgs []Config

	mu   sync.Mutex
	die  chan bool
	eg   *errgroup.Group
}

// New builds a Supervisor that Execs its programs as children of t's
// process (typically init's main thread).
func New(t *kernel.Thread, cfgs []Config, lg *log.Logger) *Supervisor {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Supervisor{t: t, lg: lg, cfgs: cfgs}
}

// Start launches one supervisory goroutine per configured program.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.die != nil {
		return errors.New("manager: already running")
	}
	s.die = make(chan bool)
	eg := &errgroup.Group{}
	for _, cfg := range s.cfgs {
		cfg := cfg
		eg.Go(func() error {
			return s.routine(cfg, s.die)
		})
	}
	s.eg = eg
	return nil
}

// Close signals every supervisory goroutine to stop restarting its
// program and waits for them all to return. Programs already running
// are left running: this package has no kernel-level equivalent of
// SIGKILL to force an in-flight kernel.Task's goroutine to stop.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	die := s.die
	eg := s.eg
	s.die = nil
	s.eg = nil
	s.mu.Unlock()
	if die == nil {
		return errors.New("manager: not running")
	}
	close(die)
	if eg != nil {
		return eg.Wait()
	}
	return nil
}

func (s *Supervisor) routine(cfg Config, die chan bool) error {
	task, ok := lookup(cfg.Program)
	if !ok {
		return fmt.Errorf("manager: %s: program %q not registered", cfg.Name, cfg.Program)
	}

	if cfg.StartDelay > 0 {
		if died := interruptSleep(die, time.Duration(cfg.StartDelay)*time.Second); died {
			return nil
		}
	}

	rstr := newRestarter(cfg)
	for {
		if died := rstr.requestStart(die); died {
			return nil
		}

		pid := s.t.Exec(task, cfg.Argl, cfg.Args)
		if pid == kernel.NoProc {
			s.lg.Error("failed to start process", log.KV("name", cfg.Name), log.KV("program", cfg.Program))
			if died := interruptSleep(die, time.Second); died {
				return nil
			}
			continue
		}
		s.lg.Info("started process", log.KV("name", cfg.Name), log.KV("program", cfg.Program), log.KV("pid", int(pid)))

		exitCh := make(chan int, 1)
		go func() {
			_, ev := s.t.WaitChild(pid)
			exitCh <- ev
		}()

		select {
		case <-die:
			s.lg.Info("shutting down, leaving running process in place", log.KV("name", cfg.Name), log.KV("pid", int(pid)))
			return nil
		case ev := <-exitCh:
			s.lg.Info("process exited", log.KV("name", cfg.Name), log.KV("pid", int(pid)), log.KV("exitval", ev))
		}
	}
}

// restarter tracks a sliding window of the last MaxRestarts start
// times for one supervised program, applying a cooldown sleep once
// they're packed tighter than RestartPeriod.
type restarter struct {
	Config
	rs []time.Time
}

func newRestarter(cfg Config) *restarter {
	return &restarter{Config: cfg, rs: make([]time.Time, cfg.MaxRestarts)}
}

func (r *restarter) requestStart(die chan bool) (shouldExit bool) {
	if d := r.shouldSleep(); d > 0 {
		if shouldExit = r.sleepit(die, d); shouldExit {
			return
		}
	}
	r.shift()
	return
}

func (r *restarter) sleepit(die chan bool, d time.Duration) (died bool) {
	if d <= 0 {
		return
	}
	died = interruptSleep(die, d)
	return
}

func (r *restarter) shift() {
	for i := len(r.rs) - 1; i > 0; i-- {
		r.rs[i] = r.rs[i-1]
	}
	r.rs[0] = time.Now()
}

func (r *restarter) shouldSleep() (d time.Duration) {
	if r.rs[0].IsZero() {
		return
	}
	oldestRestart := r.rs[len(r.rs)-1]
	if oldestRestart.IsZero() {
		return
	} else if time.Since(oldestRestart) < r.RestartPeriod {
		d = r.CooldownPeriod
	}
	return
}

func interruptSleep(dc chan bool, d time.Duration) (interrupted bool) {
	if d <= 0 {
		return
	}
	tmr := time.NewTimer(d)
	select {
	case <-tmr.C:
	case <-dc:
		interrupted = true
	}
	tmr.Stop()
	return
}
