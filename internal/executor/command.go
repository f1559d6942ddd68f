package executor

// CommandBuilder assembles the argument vector for one spawn. The prompt
// always rides as the final positional argument; follow-up directives are
// inserted ahead of it.
type CommandBuilder struct {
	program string
	args    []string
}

func NewCommandBuilder(program string, args ...string) CommandBuilder {
	return CommandBuilder{program: program, args: args}
}

func (b CommandBuilder) ExtendParams(params ...string) CommandBuilder {
	b.args = append(append([]string{}, b.args...), params...)
	return b
}

func (b CommandBuilder) Program() string {
	return b.program
}

// BuildInitial produces argv for a fresh session.
func (b CommandBuilder) BuildInitial(prompt string) []string {
	return append(append([]string{}, b.args...), prompt)
}

// BuildFollowUp produces argv resuming a prior agent session, forking it
// so the original conversation stays intact.
func (b CommandBuilder) BuildFollowUp(sessionID, prompt string) []string {
	args := append([]string{}, b.args...)
	args = append(args, "--fork-session", "--resume", sessionID)
	return append(args, prompt)
}
