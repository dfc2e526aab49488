// Package delivery ships class/method invocations to a separate worker pool.
// Every connection carries exactly one request frame and one response frame.
package delivery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodeSuccess = 0
	CodeFailure = 1
)

// MsgNotFound is returned when the class or method is not registered.
const MsgNotFound = "method or class not found"

// DefaultMethod is used when a target names no method.
const DefaultMethod = "execute"

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type Request struct {
	ID        string         `json:"id,omitempty" msgpack:"id,omitempty"`
	Class     string         `json:"class" msgpack:"class"`
	Method    string         `json:"method" msgpack:"method"`
	Parameter map[string]any `json:"parameter" msgpack:"parameter"`
}

type Response struct {
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`
	Code int    `json:"code" msgpack:"code"`
	Msg  string `json:"msg" msgpack:"msg"`
}

// Codec serializes request and response bodies.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string                       { return CodecNameJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return CodecNameMsgpack }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// WriteFrame writes v as a 4-byte big-endian length followed by the body.
func WriteFrame(w io.Writer, codec Codec, v any) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame into v.
func ReadFrame(r io.Reader, codec Codec, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
