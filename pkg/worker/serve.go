package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/texsandbox/texsandbox/pkg/diagnostics"
	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/protocol"
)

// Exit reasons reported in the EXIT message.
const (
	ExitReasonGrace       = "grace"
	ExitReasonStdinClosed = "stdin_closed"
	ExitReasonEngineFault = "engine_fault"
	ExitReasonError       = "error"
)

// Exit codes of the serve loop.
const (
	ExitCodeOK          = 0
	ExitCodeError       = 1
	ExitCodeEngineFault = 2
)

// serveSession holds the state of one serve loop.
type serveSession struct {
	w            *Worker
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	commandCount int

	mu        sync.Mutex
	commandID string
}

// Serve runs the command loop over r and out: it announces READY, then
// handles one command at a time until grace, end of input or an engine
// fault. The EXIT message it sent is returned.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer) *protocol.ExitMessage {
	s := &serveSession{
		w:       w,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(r, protocol.WithMaxMessageSize(w.cfg.MaxMessageSize)),
	}

	w.sink.SetEmitter(diagnostics.EmitterFunc(s.emitEvent))
	defer w.sink.SetEmitter(nil)

	if err := s.sendReady(); err != nil {
		w.logger.WithError(err).Error("failed to send READY")
		return s.exit(ExitReasonError, ExitCodeError)
	}

	if w.Faulted() {
		return s.exit(ExitReasonEngineFault, ExitCodeEngineFault)
	}

	for {
		msg, err := s.decoder.Decode()
		if err != nil {
			if err == io.EOF {
				return s.exit(ExitReasonStdinClosed, ExitCodeOK)
			}
			if errors.Is(err, protocol.ErrMalformed) {
				s.badMessage("", err)
				continue
			}
			w.logger.WithError(err).Error("failed to read command")
			return s.exit(ExitReasonError, ExitCodeError)
		}

		cmd, err := msg.Command()
		if err != nil {
			s.badMessage("", err)
			continue
		}

		if exit := s.handle(ctx, cmd); exit != nil {
			return exit
		}
	}
}

func (s *serveSession) sendReady() error {
	ready := &protocol.ReadyMessage{
		Version:     s.w.cfg.Version,
		PID:         os.Getpid(),
		EngineClass: s.w.cfg.EngineClass,
		Metadata: map[string]string{
			"entry_file": s.w.EntryFile(),
		},
	}
	if baseline := s.w.Baseline(); baseline != nil {
		ready.Baseline = true
		ready.BaselineSize = baseline.Size()
	}
	return s.encoder.EncodeReady(ready)
}

// emitEvent forwards a diagnostic of the current command as an EVENT.
func (s *serveSession) emitEvent(level, text string) {
	s.mu.Lock()
	id := s.commandID
	s.mu.Unlock()

	if err := s.encoder.EncodeEvent(&protocol.EventMessage{CommandID: id, Level: level, Message: text}); err != nil {
		s.w.logger.WithError(err).Warn("failed to send EVENT")
	}
}

func (s *serveSession) setCommandID(id string) {
	s.mu.Lock()
	s.commandID = id
	s.mu.Unlock()
}

// handle runs one command and writes its terminal message. A non-nil return
// ends the loop.
func (s *serveSession) handle(ctx context.Context, cmd *protocol.CommandMessage) *protocol.ExitMessage {
	s.commandCount++
	s.setCommandID(cmd.ID)
	defer s.setCommandID("")

	w := s.w
	logger := w.logger.WithCommandID(cmd.ID)
	w.metrics.RecordCommand(commandLabel(cmd.Cmd))
	start := time.Now()

	switch cmd.Cmd {
	case protocol.CommandCompileLatex, protocol.CommandCompileFormat:
		kind := engine.JobDocument
		if cmd.Cmd == protocol.CommandCompileFormat {
			kind = engine.JobFormat
		}

		result, err := w.Compile(ctx, kind)
		if err != nil {
			s.commandFailed(cmd, err)
			return nil
		}
		s.sendResult(&protocol.ResultMessage{
			CommandID: cmd.ID,
			Result:    string(result.Outcome),
			Status:    result.Status,
			Log:       result.Log,
			Artifact:  result.Artifact,
			Duration:  time.Since(start).Seconds(),
		})
		if w.Faulted() {
			return s.exit(ExitReasonEngineFault, ExitCodeEngineFault)
		}
		return nil

	case protocol.CommandSetTexliveURL:
		var params protocol.SetTexliveURLParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			s.invalidParams(cmd, err)
			return nil
		}
		s.ack(cmd, w.SetEndpoint(params.URL), start)

	case protocol.CommandMkdir:
		var params protocol.MkdirParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			s.invalidParams(cmd, err)
			return nil
		}
		s.ack(cmd, w.Mkdir(params.Path), start)

	case protocol.CommandWriteFile:
		var params protocol.WriteFileParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			s.invalidParams(cmd, err)
			return nil
		}
		s.ack(cmd, w.WriteFile(params.Path, params.Content), start)

	case protocol.CommandSetMainFile:
		var params protocol.SetMainFileParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			s.invalidParams(cmd, err)
			return nil
		}
		s.ack(cmd, w.SetEntryFile(params.Name), start)

	case protocol.CommandFlushCache:
		s.ack(cmd, w.FlushCache(), start)

	case protocol.CommandGrace:
		w.sink.Emit(engine.LevelError, "Gracefully Close")
		logger.Info("graceful shutdown requested")
		return s.exit(ExitReasonGrace, ExitCodeOK)

	default:
		w.sink.Emit(engine.LevelError, fmt.Sprintf("Unknown command %s", cmd.Cmd))
		w.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeUnknownCommand)
		s.sendError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeUnknownCommand,
			Message:   fmt.Sprintf("unknown command %q", cmd.Cmd),
		})
	}
	return nil
}

// commandLabel keeps the command metric bounded to the known names.
func commandLabel(cmd protocol.CommandType) string {
	if cmd.Validate() != nil {
		return "unknown"
	}
	return string(cmd)
}

// ack answers an auxiliary command with ok or failed.
func (s *serveSession) ack(cmd *protocol.CommandMessage, err error, start time.Time) {
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrFaulted) {
		s.commandFailed(cmd, err)
		return
	}

	result := &protocol.ResultMessage{
		CommandID: cmd.ID,
		Result:    protocol.ResultOK,
		Duration:  time.Since(start).Seconds(),
	}
	if err != nil {
		s.w.logger.WithCommandID(cmd.ID).WithError(err).Warnf("%s failed", cmd.Cmd)
		result.Result = protocol.ResultFailed
		result.Log = err.Error()
	}
	s.sendResult(result)
}

// commandFailed answers a command the worker could not accept.
func (s *serveSession) commandFailed(cmd *protocol.CommandMessage, err error) {
	msg := &protocol.ErrorMessage{
		CommandID: cmd.ID,
		Code:      engine.ErrCodeIO,
		Message:   err.Error(),
	}
	switch {
	case errors.Is(err, ErrBusy):
		msg.Code = protocol.CodeBusy
		msg.Retryable = true
	case errors.Is(err, ErrFaulted):
		msg.Code = engine.ErrCodeEngineAbort
	}
	s.w.metrics.RecordError(string(engine.ErrorClassPermanent), msg.Code)
	s.sendError(msg)
}

func (s *serveSession) invalidParams(cmd *protocol.CommandMessage, err error) {
	s.sendError(&protocol.ErrorMessage{
		CommandID: cmd.ID,
		Code:      protocol.CodeInvalidParams,
		Message:   err.Error(),
	})
}

func (s *serveSession) badMessage(commandID string, err error) {
	s.w.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeBadMessage)
	s.w.logger.WithError(err).Warn("discarding malformed message")
	s.sendError(&protocol.ErrorMessage{
		CommandID: commandID,
		Code:      protocol.CodeBadMessage,
		Message:   err.Error(),
	})
}

func (s *serveSession) sendResult(result *protocol.ResultMessage) {
	if err := s.encoder.EncodeResult(result); err != nil {
		s.w.logger.WithError(err).Error("failed to send RESULT")
	}
}

func (s *serveSession) sendError(msg *protocol.ErrorMessage) {
	if err := s.encoder.EncodeError(msg); err != nil {
		s.w.logger.WithError(err).Error("failed to send ERROR")
	}
}

func (s *serveSession) exit(reason string, code int) *protocol.ExitMessage {
	exit := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commandCount,
	}
	if err := s.encoder.EncodeExit(exit); err != nil {
		s.w.logger.WithError(err).Error("failed to send EXIT")
	}
	s.w.logger.Infof("serve loop finished: %s after %d commands", reason, s.commandCount)
	return exit
}
