package api

import "time"

// Command is a workflow control action recognized by the command layer.
type Command string

const (
	CommandRun         Command = "run"
	CommandPause       Command = "pause"
	CommandResume      Command = "resume"
	CommandJumpTo      Command = "jump-to"
	CommandModifyStage Command = "modify-stage"
	CommandRetry       Command = "retry"
)

// KnownCommands lists every dispatchable command.
var KnownCommands = []Command{
	CommandRun,
	CommandPause,
	CommandResume,
	CommandJumpTo,
	CommandModifyStage,
	CommandRetry,
}

// Known reports whether c is a dispatchable command.
func (c Command) Known() bool {
	for _, k := range KnownCommands {
		if c == k {
			return true
		}
	}
	return false
}

// CommandStatus is the audit state of one dispatched command.
type CommandStatus string

const (
	CommandExecuting CommandStatus = "EXECUTING"
	CommandSuccess   CommandStatus = "SUCCESS"
	CommandFailed    CommandStatus = "FAILED"
)

// CommandRecord is one row of the append-only command audit log. The
// dispatcher writes it with status EXECUTING before executing and always
// closes it to SUCCESS or FAILED before returning.
type CommandRecord struct {
	ID      string
	JobID   string
	Command Command
	Params  map[string]string
	Status  CommandStatus
	Result  string
	Error   string

	CreatedAt time.Time
	UpdatedAt time.Time
}
