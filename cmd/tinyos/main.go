/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command tinyos boots a kernel.Kernel, optionally supervises a set of
// named programs under it via manager, and otherwise runs a small
// built-in demo init task: flag-parsed config, GetConfig, GetLogger,
// start everything, wait for a quit signal, shut down cleanly.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dmavrogiorgis/tinyos3/config"
	"github.com/dmavrogiorgis/tinyos3/demo"
	"github.com/dmavrogiorgis/tinyos3/kernel"
	"github.com/dmavrogiorgis/tinyos3/log"
	"github.com/dmavrogiorgis/tinyos3/manager"
	"github.com/dmavrogiorgis/tinyos3/utils"
)

var (
	configPath        = flag.String("config", "", "path to the kernel boot config")
	managerConfigPath = flag.String("manager-config", "", "path to a manager supervisor config; if set, the built-in demo init is skipped")
	versionFlag       = flag.Bool("version", false, "print host OS info and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		log.PrintOSInfo(os.Stdout)
		return
	}

	cfg, err := config.GetConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	lg, err := cfg.GetLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer lg.Close()

	k := kernel.NewKernelConfig(cfg.KernelConfig())
	k.SetLogger(lg)

	if *managerConfigPath != "" {
		runWithSupervisor(k, lg)
		return
	}

	ev := k.Boot(demoInit, 0, nil)
	os.Exit(ev)
}

// runWithSupervisor boots the kernel with an init task that does
// nothing but start a manager.Supervisor over the configured programs
// and block until this process receives a shutdown signal.
func runWithSupervisor(k *kernel.Kernel, lg *log.Logger) {
	mcfgs, mlg, err := manager.GetConfig(*managerConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "manager config:", err)
		os.Exit(1)
	}
	defer mlg.Close()

	ev := k.Boot(func(t *kernel.Thread, argl int, args []byte) int {
		sup := manager.New(t, mcfgs, mlg)
		if err := sup.Start(); err != nil {
			lg.Error("failed to start supervisor", log.KVErr(err))
			return 1
		}
		sig := utils.WaitForQuit()
		lg.Info("shutting down", log.KV("signal", sig.String()))
		if err := sup.Close(); err != nil {
			lg.Warn("supervisor shutdown reported an error", log.KVErr(err))
		}
		return 0
	}, 0, nil)
	os.Exit(ev)
}

// demoInit is the built-in program run when no manager config is
// supplied: it Execs an echo server and a client that talks to it over
// a socket, waits for the client to finish, then runs the bounded-pipe
// backpressure demo directly before exiting.
func demoInit(t *kernel.Thread, argl int, args []byte) int {
	const port = 9

	spid := t.Exec(demo.EchoServer, 2, []byte{port, 1})
	if spid == kernel.NoProc {
		fmt.Fprintln(os.Stderr, "failed to start echo-server")
		return 1
	}

	msg := []byte("hello from tinyos")
	clientArgs := append([]byte{port}, msg...)
	cpid := t.Exec(demo.EchoClient, len(clientArgs), clientArgs)
	if cpid == kernel.NoProc {
		fmt.Fprintln(os.Stderr, "failed to start echo-client")
		return 1
	}
	if _, ev := t.WaitChild(cpid); ev != 0 {
		fmt.Fprintln(os.Stderr, "echo-client reported a mismatch")
	}
	if _, ev := t.WaitChild(spid); ev != 0 {
		fmt.Fprintln(os.Stderr, "echo-server reported an error")
	}

	n := demo.Pipeline(t, 0, nil)
	fmt.Printf("pipeline demo: read %d bytes through a %d-byte pipe\n", n, kernel.PipeBufferSize)

	return 0
}
