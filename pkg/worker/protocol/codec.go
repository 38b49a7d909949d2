package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// The wire format is one JSON envelope per line over the worker's
// stdio. Writers flush after every message so the peer never stalls
// on a buffered frame.

const (
	// DefaultMaxMessageSize bounds a single wire message. Scan results
	// can carry whole file contents, so the ceiling is generous.
	DefaultMaxMessageSize = 10 * 1024 * 1024

	// initialScanBuffer is the starting decoder buffer. bufio grows it
	// on demand up to the configured ceiling, so idle sessions do not
	// pay for the worst case.
	initialScanBuffer = 64 * 1024
)

// ErrMessageTooLarge reports a wire message over the decoder's limit.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Encoder writes protocol messages to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode seals the payload into an envelope and writes it as one line.
func (e *Encoder) Encode(msgType MessageType, payload interface{}) error {
	envelope, err := sealMessage(msgType, payload)
	if err != nil {
		return err
	}

	if _, err := e.w.Write(envelope); err != nil {
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

// sealMessage builds the single-line JSON envelope for a payload.
func sealMessage(msgType MessageType, payload interface{}) ([]byte, error) {
	if err := msgType.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		msg.Data = data
	}

	envelope, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return envelope, nil
}

// EncodeCommand sends a CMD message, validating the command first so a
// malformed command fails on the controller instead of the worker.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
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
	scanner *bufio.Scanner
	limit   int
}

// NewDecoder creates a decoder with the default message size limit.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderLimit(r, DefaultMaxMessageSize)
}

// NewDecoderLimit creates a decoder with an explicit message size
// limit. A limit at or below zero falls back to the default.
func NewDecoderLimit(r io.Reader, limit int) *Decoder {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	initial := initialScanBuffer
	if limit < initial {
		initial = limit
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initial), limit)
	return &Decoder{
		scanner: scanner,
		limit:   limit,
	}
}

// Decode reads the next message from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.scanner.Scan() {
		err := d.scanner.Err()
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			return nil, fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, d.limit)
		case err != nil:
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.scanner.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeCommand decodes a command message.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseParams parses command parameters into a specific type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
