// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package engine defines the capability the bridge needs from a
// simulation component and a registry of available components.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownComponent = errors.New("engine: unknown component")
	ErrUnknownSignal    = errors.New("engine: unknown signal")
)

// Engine advances a simulated process. Implementations need not be safe for
// concurrent use; the update loop is the only caller.
type Engine interface {
	// Step advances simulated time by dt seconds.
	Step(dt float64) error
	// Output returns the current value of a named output.
	Output(name string) (float64, error)
	// SetBoolInput sets a named boolean input for the next Step.
	SetBoolInput(name string, value bool) error
}

// Factory constructs a component from a parameter set. Unknown parameters
// are ignored; missing ones take the component's defaults.
type Factory func(params map[string]float64) (Engine, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a component available to New. It panics on duplicates.
func Register(component string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[component]; ok {
		panic("engine: component registered twice: " + component)
	}
	factories[component] = f
}

// New constructs the named component.
func New(component string, params map[string]float64) (Engine, error) {
	mu.RLock()
	f, ok := factories[component]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownComponent, component, Components())
	}
	e, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("engine: construct %q: %w", component, err)
	}
	return e, nil
}

// Components lists the registered component names.
func Components() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
