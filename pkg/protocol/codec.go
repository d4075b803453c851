package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageSize bounds a single protocol line. Artifacts travel inline.
const MaxMessageSize = 64 * 1024 * 1024

// ErrMalformed marks a line that could not be decoded. The stream itself is
// still usable.
var ErrMalformed = errors.New("malformed message")

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCommand sends a CMD message.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeResult sends a RESULT message.
func (e *Encoder) EncodeResult(result *ResultMessage) error {
	return e.Encode(MessageTypeResult, result)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxMessageSize bounds the length of a single line. Values <= 0 keep
// MaxMessageSize.
func WithMaxMessageSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.max = n
		}
	}
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:   bufio.NewReaderSize(r, 64*1024),
		max: MaxMessageSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads the next message from the input stream. Errors wrapping
// ErrMalformed leave the decoder positioned at the following line; this
// includes lines longer than the configured limit, which are skipped.
func (d *Decoder) Decode() (*Message, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &msg, nil
}

// readLine returns the next line without its terminator. An oversized line
// is consumed up to its newline and never buffered past the limit.
func (d *Decoder) readLine() ([]byte, error) {
	d.buf = d.buf[:0]
	tooLong := false
	read := false

	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(chunk) > 0 {
			read = true
		}
		if !tooLong {
			if len(d.buf)+len(chunk) > d.max+2 {
				tooLong = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, io.EOF
			}
		default:
			return nil, fmt.Errorf("read error: %w", err)
		}

		line := trimNewline(d.buf)
		if tooLong || len(line) > d.max {
			d.buf = d.buf[:0]
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, d.max)
		}
		return line, nil
	}
}

func trimNewline(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// DecodeCommand decodes a command message.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	return msg.Command()
}

// Command extracts the command carried by a CMD message.
func (m *Message) Command() (*CommandMessage, error) {
	if m.Type != MessageTypeCommand {
		return nil, fmt.Errorf("%w: expected CMD message, got %s", ErrMalformed, m.Type)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(m.Data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal command: %v", ErrMalformed, err)
	}

	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid command: %v", ErrMalformed, err)
	}

	return &cmd, nil
}

// DecodeData unmarshals the message payload into target.
func (m *Message) DecodeData(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", m.Type, err)
	}
	return nil
}

// ParseParams parses command parameters into a specific type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("failed to parse params: params are required")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
