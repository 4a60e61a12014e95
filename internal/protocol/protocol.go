// Package protocol defines the messages exchanged between the controller and
// its worker processes, and the framing used to carry them over a pipe.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// MaxMessageSize is the maximum allowed frame payload (64 MiB).
const MaxMessageSize = 64 << 20

// compressThreshold is the payload size above which frames are zstd-compressed.
const compressThreshold = 64 << 10

// Frame flags.
const (
	flagCompressed byte = 1 << 0
)

// Controller→worker message types.
const (
	MsgTypeTask     = "task"
	MsgTypeShutdown = "shutdown"
)

// Worker→controller message types.
const (
	MsgTypeReady  = "ready"
	MsgTypeResult = "result"
)

// Execution modes carried in an Envelope.
const (
	ModeSimple   = "simple"
	ModeExtended = "extended"
)

// Envelope is the controller→worker message. A task envelope carries one chunk.
type Envelope struct {
	Type   string            `json:"type"`
	RunID  string            `json:"run_id,omitempty"`
	Func   string            `json:"func,omitempty"`
	Mode   string            `json:"mode,omitempty"`
	Chunk  int               `json:"chunk"`
	Offset int               `json:"offset"`
	Items  []json.RawMessage `json:"items,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// TaskError describes a function failure inside a worker. Item is the index
// of the failing item in the run's input, or -1 in simple mode.
type TaskError struct {
	Chunk   int    `json:"chunk"`
	Item    int    `json:"item"`
	Message string `json:"message"`
	Panic   bool   `json:"panic,omitempty"`
}

// Reply is the worker→controller message. A ready reply carries only PID.
type Reply struct {
	Type        string            `json:"type"`
	PID         int               `json:"pid,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Chunk       int               `json:"chunk"`
	Results     []json.RawMessage `json:"results,omitempty"`
	Error       *TaskError        `json:"error,omitempty"`
	ElapsedNS   int64             `json:"elapsed_ns"`
	MemoryBytes uint64            `json:"memory_bytes"`
}

// ErrTooLarge is returned by Encode and WriteMessage for a message whose frame
// would exceed MaxMessageSize. Nothing is written in that case.
var ErrTooLarge = errors.New("message too large")

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxMessageSize))
)

// Encode returns v as one frame: 4-byte big-endian length, one flag byte, then
// the payload. The length counts the flag byte and the payload. Payloads above
// 64 KiB are zstd-compressed.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	var flags byte
	if len(data) > compressThreshold {
		data = encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		flags |= flagCompressed
	}

	if len(data)+1 > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrTooLarge, len(data)+1, MaxMessageSize)
	}

	frame := make([]byte, 5, 5+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)+1))
	frame[4] = flags
	return append(frame, data...), nil
}

// WriteMessage writes v to w as a single frame. See Encode.
func WriteMessage(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a framed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length == 0 {
		return fmt.Errorf("empty frame")
	}
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	flags, data := frame[0], frame[1:]
	if flags&flagCompressed != 0 {
		var err error
		data, err = decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("decompress payload: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
