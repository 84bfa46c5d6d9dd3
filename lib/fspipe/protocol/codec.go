package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame format: [Length: 4 bytes (uint32 BE)] [Type: 1 byte] [Payload: N bytes JSON].
// Length counts the type byte plus the payload.

// EncodeFrame builds a complete frame for a message in one buffer.
func EncodeFrame(msgType byte, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	frame := make([]byte, 4+1+len(data))
	binary.BigEndian.PutUint32(frame, uint32(1+len(data)))
	frame[4] = msgType
	copy(frame[5:], data)
	return frame, nil
}

// ParseFrame splits a complete frame (as produced by EncodeFrame) into its
// type byte and raw payload.
func ParseFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 5 {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	frameLen := binary.BigEndian.Uint32(frame)
	if int(frameLen) != len(frame)-4 {
		return 0, nil, fmt.Errorf("frame length mismatch: header %d, body %d", frameLen, len(frame)-4)
	}
	return frame[4], frame[5:], nil
}

// Encoder writes framed messages to a stream.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message with length-prefix framing.
func (e *Encoder) Encode(msgType byte, payload interface{}) error {
	frame, err := EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads framed messages from a stream.
type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads one framed message and returns the type and raw JSON payload.
func (d *Decoder) Decode() (byte, []byte, error) {
	var frameLen uint32
	if err := binary.Read(d.r, binary.BigEndian, &frameLen); err != nil {
		return 0, nil, err
	}
	if frameLen < 1 {
		return 0, nil, fmt.Errorf("invalid frame length: %d", frameLen)
	}

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(d.r, typeBuf); err != nil {
		return 0, nil, fmt.Errorf("read type: %w", err)
	}

	payload := make([]byte, frameLen-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return 0, nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return typeBuf[0], payload, nil
}

// DecodePayload unmarshals a raw JSON payload into the target struct.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
