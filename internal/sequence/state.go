package sequence

// State is a sequence engine state.
type State int

const (
	Idle State = iota
	WaitStartDebounce
	Stage1Active
	Stage1WaitLimit
	Stage2Active
	Stage2WaitLimit
	Complete
	Abort
	ManualExtendActive
	ManualRetractActive
)

var stateNames = [...]string{
	Idle:                "idle",
	WaitStartDebounce:   "wait_start",
	Stage1Active:        "extending",
	Stage1WaitLimit:     "extend_limit",
	Stage2Active:        "retracting",
	Stage2WaitLimit:     "retract_limit",
	Complete:            "complete",
	Abort:               "abort",
	ManualExtendActive:  "manual_extend",
	ManualRetractActive: "manual_retract",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Automatic reports whether s is part of the automatic cycle.
func (s State) Automatic() bool {
	switch s {
	case WaitStartDebounce, Stage1Active, Stage1WaitLimit, Stage2Active, Stage2WaitLimit:
		return true
	}
	return false
}

// Manual reports whether s is a manual operation.
func (s State) Manual() bool {
	return s == ManualExtendActive || s == ManualRetractActive
}

// Running reports whether the engine is driving the cylinder or about to.
func (s State) Running() bool {
	return s.Automatic() || s.Manual()
}

// Status couples the state with the lockout flag so a transition can never
// drop the lockout.
type Status struct {
	Enabled bool
	State   State
}
