// Package bootstrap runs the managed entrypoint inside the host's own
// runtime once the runtime's functions are available.
package bootstrap

import "sync/atomic"

// Family is the managed runtime a process hosts. Exactly one is selected per
// process.
type Family int32

const (
	FamilyNone Family = iota
	FamilyMono
	FamilyIL2CPP
)

func (f Family) String() string {
	switch f {
	case FamilyMono:
		return "mono"
	case FamilyIL2CPP:
		return "il2cpp"
	default:
		return "none"
	}
}

// Phase is a step of the bootstrap sequence.
type Phase int32

const (
	Unloaded Phase = iota
	FunctionsResolved
	DomainReady
	ImageOpened
	AssemblyLoaded
	EntrypointFound
	Invoked
	Done
	Failed
)

var phaseNames = [...]string{
	Unloaded:          "unloaded",
	FunctionsResolved: "functions resolved",
	DomainReady:       "domain ready",
	ImageOpened:       "image opened",
	AssemblyLoaded:    "assembly loaded",
	EntrypointFound:   "entrypoint found",
	Invoked:           "invoked",
	Done:              "done",
	Failed:            "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// State is the process-wide bootstrap record. It is created at attach,
// shared by pointer and never reset. Every latch is a single check-and-set.
type State struct {
	tablesLoaded    atomic.Bool
	sequenceStarted atomic.Bool
	invoked         atomic.Bool
	family          atomic.Int32
	phase           atomic.Int32

	debugInitCalled atomic.Bool
	legacyRuntime   atomic.Bool
}

// MarkTablesLoaded reports whether the caller is the first to load a
// runtime function table.
func (s *State) MarkTablesLoaded() bool {
	return s.tablesLoaded.CompareAndSwap(false, true)
}

func (s *State) TablesLoaded() bool {
	return s.tablesLoaded.Load()
}

// SelectFamily claims the process for f. It fails once another family has
// been selected.
func (s *State) SelectFamily(f Family) bool {
	if s.family.CompareAndSwap(int32(FamilyNone), int32(f)) {
		return true
	}
	return Family(s.family.Load()) == f
}

func (s *State) Family() Family {
	return Family(s.family.Load())
}

// BeginSequence reports whether the caller is the first to start a
// bootstrap sequence.
func (s *State) BeginSequence() bool {
	return s.sequenceStarted.CompareAndSwap(false, true)
}

// MarkInvoked reports whether the caller may invoke the managed entrypoint.
func (s *State) MarkInvoked() bool {
	return s.invoked.CompareAndSwap(false, true)
}

func (s *State) Invoked() bool {
	return s.invoked.Load()
}

// Phase returns the last phase reached by the running or finished sequence.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *State) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// NoteDebugInit records that the host initialised the debugger itself.
func (s *State) NoteDebugInit() {
	s.debugInitCalled.Store(true)
}

func (s *State) DebugInitCalled() bool {
	return s.debugInitCalled.Load()
}

func (s *State) SetLegacyRuntime(v bool) {
	s.legacyRuntime.Store(v)
}

// LegacyRuntime reports a 1.x/2.x Mono profile, which changes the debugger
// agent syntax.
func (s *State) LegacyRuntime() bool {
	return s.legacyRuntime.Load()
}
