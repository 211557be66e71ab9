package lessonaudio

import "sync"

// PlaybackState is the lifecycle state of a lesson session's audio.
type PlaybackState int

const (
	// StateIdle means no lesson content is loaded.
	StateIdle PlaybackState = iota
	// StateLoading means timeline events are being ingested.
	StateLoading
	// StateReady means chunks are scheduled and playback can start.
	StateReady
	// StatePlaying means the timeline is advancing with audio.
	StatePlaying
	// StatePaused means playback is suspended, position retained.
	StatePaused
	// StateSeeking means a scrub is repositioning the session.
	StateSeeking
	// StateStopping means playback is shutting down.
	StateStopping
	// StateError means the session hit a terminal failure.
	StateError
)

// String returns the string representation of the state.
func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CanPlay reports whether playback can start or resume from this state.
func (s PlaybackState) CanPlay() bool {
	return s == StateReady || s == StatePaused
}

// CanPause reports whether playback can be paused from this state.
func (s PlaybackState) CanPause() bool {
	return s == StatePlaying
}

// CanSeek reports whether a seek is permitted from this state.
func (s PlaybackState) CanSeek() bool {
	return s == StateReady || s == StatePlaying || s == StatePaused
}

// Active reports whether audio is engaged in this state.
func (s PlaybackState) Active() bool {
	return s == StatePlaying || s == StatePaused || s == StateSeeking
}

// StateMachine guards playback state transitions. Per the session's
// single-writer model only the session mutates it, but reads may come from
// any goroutine.
type StateMachine struct {
	mu          sync.RWMutex
	current     PlaybackState
	transitions map[PlaybackState][]PlaybackState
	onEnter     map[PlaybackState]func()
}

// NewStateMachine creates a state machine with the valid transitions.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		transitions: map[PlaybackState][]PlaybackState{
			StateIdle:     {StateLoading},
			StateLoading:  {StateReady, StateError},
			StateReady:    {StatePlaying, StateSeeking, StateLoading, StateIdle},
			StatePlaying:  {StatePaused, StateSeeking, StateStopping, StateError},
			StatePaused:   {StatePlaying, StateSeeking, StateStopping},
			StateSeeking:  {StatePlaying, StatePaused, StateReady, StateError},
			StateStopping: {StateReady, StateIdle},
			StateError:    {StateIdle, StateLoading},
		},
		onEnter: make(map[PlaybackState]func()),
	}
}

// Transition attempts to move to the target state. It returns false, with
// no side effects, when the transition is not permitted.
func (sm *StateMachine) Transition(to PlaybackState) bool {
	sm.mu.Lock()
	valid := false
	for _, s := range sm.transitions[sm.current] {
		if s == to {
			valid = true
			break
		}
	}
	if !valid {
		sm.mu.Unlock()
		return false
	}
	sm.current = to
	fn := sm.onEnter[to]
	sm.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Current returns the current state.
func (sm *StateMachine) Current() PlaybackState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// OnEnter registers a callback fired after entering the given state.
func (sm *StateMachine) OnEnter(state PlaybackState, fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnter[state] = fn
}
