// Package protocol defines the JSON-lines protocol spoken between a
// controller and a texsandbox worker over stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries a diagnostic line from the worker
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeResult is the terminal response to a command
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError indicates a command could not be handled
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandCompileLatex compiles the main file
	CommandCompileLatex CommandType = "compilelatex"
	// CommandCompileFormat builds the format file
	CommandCompileFormat CommandType = "compileformat"
	// CommandSetTexliveURL changes the origin endpoint
	CommandSetTexliveURL CommandType = "settexliveurl"
	// CommandMkdir creates a directory in the work root
	CommandMkdir CommandType = "mkdir"
	// CommandWriteFile writes a file in the work root
	CommandWriteFile CommandType = "writefile"
	// CommandSetMainFile selects the document to compile
	CommandSetMainFile CommandType = "setmainfile"
	// CommandFlushCache drops every cached resource
	CommandFlushCache CommandType = "flushcache"
	// CommandGrace shuts the worker down
	CommandGrace CommandType = "grace"
)

// Result values of a RESULT message.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Error codes of an ERROR message.
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeBadMessage     = "BAD_MESSAGE"
	CodeBusy           = "BUSY"
	CodeInvalidParams  = "INVALID_PARAMS"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once the engine finished its cold start.
type ReadyMessage struct {
	Version      string            `json:"version"`
	PID          int               `json:"pid"`
	EngineClass  string            `json:"engine_class"`
	Baseline     bool              `json:"baseline"`
	BaselineSize int               `json:"baseline_size,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID     string          `json:"id"`
	Cmd    CommandType     `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

// EventMessage is a diagnostic line emitted while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Level     string `json:"level"` // info, error
	Message   string `json:"message"`
}

// ResultMessage terminates a command.
type ResultMessage struct {
	CommandID string  `json:"command_id"`
	Result    string  `json:"result"`
	Status    int     `json:"status"`
	Log       string  `json:"log,omitempty"`
	Artifact  []byte  `json:"artifact,omitempty"`
	Duration  float64 `json:"duration"` // seconds
}

// OK reports whether the command succeeded.
func (r *ResultMessage) OK() bool {
	return r.Result == ResultOK
}

// ErrorMessage indicates a command could not be handled.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter structures

// SetTexliveURLParams contains the new origin endpoint.
type SetTexliveURLParams struct {
	URL string `json:"url"`
}

// MkdirParams names a directory relative to the work root.
type MkdirParams struct {
	Path string `json:"path"`
}

// WriteFileParams contains a file relative to the work root. Content is
// base64 encoded on the wire.
type WriteFileParams struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// SetMainFileParams names the document compiled by compilelatex.
type SetMainFileParams struct {
	Name string `json:"name"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeResult, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is known.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandCompileLatex, CommandCompileFormat, CommandSetTexliveURL,
		CommandMkdir, CommandWriteFile, CommandSetMainFile,
		CommandFlushCache, CommandGrace:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is well formed. Unknown command
// names pass; the worker answers them itself.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Cmd == "" {
		return fmt.Errorf("command name is required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "error": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
