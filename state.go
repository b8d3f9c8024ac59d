package redmap

import "fmt"

// State is the lifecycle state of an instance relative to the store.
//
// Allowed transitions:
//
//	Transient     -> PendingCommit   (added to a session)
//	PendingCommit -> Persistent      (commit accepted)
//	PendingCommit -> Transient       (commit rejected)
//	Persistent    -> PendingCommit   (modified and re-added)
//	Persistent    -> Deleted         (delete committed)
//
// Everything else is an invalid transition.
type State int

const (
	// Transient instances exist only in memory.
	Transient State = iota

	// PendingCommit instances are buffered in a session awaiting commit.
	PendingCommit

	// Persistent instances have a store-assigned or confirmed identifier.
	Persistent

	// Deleted instances have been removed from the store. Terminal.
	Deleted
)

var stateNames = map[State]string{
	Transient:     "transient",
	PendingCommit: "pending-commit",
	Persistent:    "persistent",
	Deleted:       "deleted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var validTransitions = map[State][]State{
	Transient:     {PendingCommit},
	PendingCommit: {Persistent, Transient},
	Persistent:    {PendingCommit, Deleted},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s State) transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}
