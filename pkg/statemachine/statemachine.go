package statemachine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// Table is an immutable set of allowed transitions between states of type S.
// Persisted entities (rounds, sessions) keep their state in storage and ask
// the table before every write.
type Table[S comparable] struct {
	edges map[S]map[S]struct{}
}

// NewTable builds a table from an adjacency list.
func NewTable[S comparable](edges map[S][]S) *Table[S] {
	t := &Table[S]{edges: make(map[S]map[S]struct{}, len(edges))}
	for from, tos := range edges {
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		t.edges[from] = set
	}
	return t
}

// Can reports whether from -> to is allowed.
func (t *Table[S]) Can(from, to S) bool {
	_, ok := t.edges[from][to]
	return ok
}

// Check returns ErrInvalidTransition if from -> to is not allowed.
func (t *Table[S]) Check(from, to S) error {
	if !t.Can(from, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether s has no outgoing transitions.
func (t *Table[S]) Terminal(s S) bool {
	return len(t.edges[s]) == 0
}

// Machine tracks the current state of one in-memory entity against a Table.
// It is safe for concurrent use.
type Machine[S comparable] struct {
	table *Table[S]
	mu    sync.RWMutex
	state S
}

// NewMachine returns a machine starting in initial.
func NewMachine[S comparable](table *Table[S], initial S) *Machine[S] {
	return &Machine[S]{table: table, state: initial}
}

// State returns the current state.
func (m *Machine[S]) State() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next if the table allows it.
func (m *Machine[S]) Transition(next S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.table.Check(m.state, next); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Restore sets the state without checking the table. Used when rebuilding
// from storage.
func (m *Machine[S]) Restore(s S) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
