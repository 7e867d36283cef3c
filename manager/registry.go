/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package manager supervises named kernel.Task programs: start them,
// restart them on crash up to a per-program policy, and cool down if
// they crash too often. Where the substrate's shell Execs a fixed set
// of built-in programs by name, Register here plays the same role for
// this supervisor's named task table.
package manager

import (
	"fmt"
	"sync"

	"github.com/dmavrogiorgis/tinyos3/kernel"
)

var (
	registryMu sync.Mutex
	registry   = map[string]kernel.Task{}
)

// Register adds a named kernel task to the global program registry,
// making it something a Supervisor's config can reference by name.
// It panics on a duplicate name: the same fail-fast-at-init-time
// behavior as any other static registration table.
func Register(name string, task kernel.Task) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("manager: program %q already registered", name))
	}
	registry[name] = task
}

// lookup resolves a registered program by name.
func lookup(name string) (kernel.Task, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	t, ok := registry[name]
	return t, ok
}
