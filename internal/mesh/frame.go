// internal/mesh/frame.go

// Package mesh talks to mesh-network nodes through a serial controller.
//
// Link layer (host <-> controller):
//
//	SOF(0x01) LEN NODE PAYLOAD... CHK
//
// LEN counts NODE, PAYLOAD and CHK. CHK is 0xFF XOR every byte from LEN
// through the last payload byte. Single-byte ACK, NAK and CAN acknowledge
// frames in both directions.
package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const (
	SOF byte = 0x01
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18

	// MaxPayload bounds one application payload.
	MaxPayload = 64

	// node ids valid on the network
	MinNode = 1
	MaxNode = 232
)

var (
	// ErrChecksum is delivered for a frame whose CHK does not match.
	ErrChecksum = errors.New("mesh: checksum mismatch")
	// ErrNAK means the controller rejected a frame we sent.
	ErrNAK = errors.New("mesh: frame rejected (NAK)")
	// ErrFrame is a malformed length or unexpected start byte.
	ErrFrame = errors.New("mesh: malformed frame")
)

// Frame is one data frame.
type Frame struct {
	Node    uint8
	Payload []byte
}

// Encode builds the wire form of f.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("mesh: payload %d bytes exceeds %d", len(f.Payload), MaxPayload)
	}
	n := len(f.Payload)
	out := make([]byte, 0, n+4)
	out = append(out, SOF, byte(n+2), f.Node)
	out = append(out, f.Payload...)
	return append(out, checksum(out[1:])), nil
}

func checksum(b []byte) byte {
	c := byte(0xFF)
	for _, x := range b {
		c ^= x
	}
	return c
}

// Unit is one item read off the link: either a control byte or a data frame.
type Unit struct {
	Control byte // ACK, NAK or CAN; zero for data frames
	Frame   Frame
}

// Decoder reads link units from a byte stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next unit. A checksum failure returns the decoded frame
// (node is best effort) together with ErrChecksum; the stream stays in sync.
func (d *Decoder) Next() (Unit, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return Unit{}, err
		}
		switch b {
		case ACK, NAK, CAN:
			return Unit{Control: b}, nil
		case SOF:
			return d.frame()
		default:
			// line noise between frames
			continue
		}
	}
}

func (d *Decoder) frame() (Unit, error) {
	ln, err := d.r.ReadByte()
	if err != nil {
		return Unit{}, err
	}
	if ln < 2 || int(ln) > MaxPayload+2 {
		return Unit{}, fmt.Errorf("%w: length %d", ErrFrame, ln)
	}
	body := make([]byte, ln)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Unit{}, err
	}
	f := Frame{Node: body[0], Payload: body[1 : ln-1]}

	sum := checksum(append([]byte{ln}, body[:ln-1]...))
	if sum != body[ln-1] {
		return Unit{Frame: f}, ErrChecksum
	}
	return Unit{Frame: f}, nil
}
