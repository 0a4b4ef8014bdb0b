package bootstrap

const (
	DefaultDebugAddress = "127.0.0.1:10000"

	debuggerAgentPrefix = "--debugger-agent=transport=dt_socket,server=y,address="
	noSuspend           = ",suspend=n"
	noSuspendLegacy     = ",suspend=n,defer=y"
)

// DebugSettings is the effective debugger configuration, derived from the
// config and the environment without changing either.
type DebugSettings struct {
	Enabled bool
	Suspend bool
	Address string
	// Option replaces the synthesised agent option when non-empty.
	Option string
}

// AgentOption returns the option appended to the JIT arguments.
func (d DebugSettings) AgentOption(legacy bool) string {
	if d.Option != "" {
		return d.Option
	}
	return DebuggerAgentOption(d.Address, d.Suspend, legacy)
}

// DebuggerAgentOption builds the Mono soft debugger agent option. Legacy
// runtimes need defer=y to accept a late connection.
func DebuggerAgentOption(address string, suspend, legacy bool) string {
	if address == "" {
		address = DefaultDebugAddress
	}
	opt := debuggerAgentPrefix + address
	if !suspend {
		if legacy {
			opt += noSuspendLegacy
		} else {
			opt += noSuspend
		}
	}
	return opt
}
