// Package stripserial implements the serial strip protocol spoken
// between this controller and the microcontroller driving the LEDs.
// Every packet is a type byte, a fixed or length-prefixed payload and a
// CRC32 (IEEE) checksum over type and payload.
package stripserial

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Endianness defines the endianness of the protocol.
var Endianness = binary.LittleEndian

// ProtocolVersion is sent in the hello packet. The device refuses a
// version it does not know.
const ProtocolVersion uint8 = 1

// HostPacketType is a type of packet sent from the controller to the
// device.
type HostPacketType uint8

const (
	TypeHelloPacket HostPacketType = iota
	TypeBlackoutPacket
	TypeFramePacket
)

// String returns a string representation of the packet type.
func (t HostPacketType) String() string {
	switch t {
	case TypeHelloPacket:
		return "hello"
	case TypeBlackoutPacket:
		return "blackout"
	case TypeFramePacket:
		return "frame"
	default:
		return fmt.Sprintf("HostPacketType(%d)", t)
	}
}

// HostPacket is a packet sent from the controller to the device.
type HostPacket interface {
	// Type returns the type of packet.
	Type() HostPacketType
}

// HelloPacket opens a session and tells the device how many LEDs every
// frame packet will carry.
type HelloPacket struct {
	Version uint8
	NumLeds uint16
}

// BlackoutPacket tells the device to switch every LED off immediately.
type BlackoutPacket struct{}

// FramePacket carries one full frame of RGB triples in strip order.
type FramePacket struct {
	Seq uint16
	Pix []uint8
}

func (p HelloPacket) Type() HostPacketType    { return TypeHelloPacket }
func (p BlackoutPacket) Type() HostPacketType { return TypeBlackoutPacket }
func (p FramePacket) Type() HostPacketType    { return TypeFramePacket }

// DevicePacketType is a type of packet sent from the device to the
// controller.
type DevicePacketType uint8

const (
	TypeAckPacket DevicePacketType = iota
	TypeEdgePacket
	TypeLogPacket
	TypeFaultPacket
)

// String returns a string representation of the packet type.
func (t DevicePacketType) String() string {
	switch t {
	case TypeAckPacket:
		return "ack"
	case TypeEdgePacket:
		return "edge"
	case TypeLogPacket:
		return "log"
	case TypeFaultPacket:
		return "fault"
	default:
		return fmt.Sprintf("DevicePacketType(%d)", t)
	}
}

// DevicePacket is a packet sent from the device to the controller.
type DevicePacket interface {
	// Type returns the type of packet.
	Type() DevicePacketType
}

// AckPacket confirms that the frame with the given sequence number has
// been latched onto the strip.
type AckPacket struct {
	Seq uint16
}

// EdgePacket reports a rising edge on one of the device's button
// lines.
type EdgePacket struct {
	Line uint8
}

// LogPacket carries a log message from the device.
type LogPacket struct {
	Message string
}

// FaultPacket reports that the device cannot continue.
type FaultPacket struct {
	Message string
}

func (p AckPacket) Type() DevicePacketType   { return TypeAckPacket }
func (p EdgePacket) Type() DevicePacketType  { return TypeEdgePacket }
func (p LogPacket) Type() DevicePacketType   { return TypeLogPacket }
func (p FaultPacket) Type() DevicePacketType { return TypeFaultPacket }

// ReadContext is the session state needed to read frame packets, whose
// pixel payload has no length prefix of its own.
type ReadContext struct {
	// NumLeds is the number of LEDs in the strip.
	NumLeds uint16
}

// ReadHostPacket reads a controller-to-device packet from the given
// reader. It is the device side of the protocol and is used here to
// test the writers against.
func ReadHostPacket(r io.Reader, context ReadContext) (HostPacket, error) {
	hash := crc32.NewIEEE()
	r = io.TeeReader(r, hash)

	var packet HostPacket
	var ptypeBuf [1]byte
	if _, err := io.ReadFull(r, ptypeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read host packet type: %w", err)
	}

	switch ptype := HostPacketType(ptypeBuf[0]); ptype {
	case TypeHelloPacket:
		var p HelloPacket
		if err := binary.Read(r, Endianness, &p); err != nil {
			return nil, fmt.Errorf("failed to read hello payload: %w", err)
		}
		packet = p

	case TypeBlackoutPacket:
		var p BlackoutPacket
		packet = p

	case TypeFramePacket:
		var p FramePacket
		if err := binary.Read(r, Endianness, &p.Seq); err != nil {
			return nil, fmt.Errorf("failed to read frame sequence number: %w", err)
		}
		p.Pix = make([]uint8, 3*context.NumLeds)
		if _, err := io.ReadFull(r, p.Pix); err != nil {
			return nil, fmt.Errorf("failed to read pixel data: %w", err)
		}
		packet = p

	default:
		return nil, fmt.Errorf("unknown packet type: %s", ptype)
	}

	sum := hash.Sum32()
	var checksum uint32
	if err := binary.Read(r, Endianness, &checksum); err != nil {
		return nil, fmt.Errorf("failed to read packet checksum: %w", err)
	}
	if checksum != sum {
		return nil, fmt.Errorf("packet checksum mismatch")
	}

	return packet, nil
}

// WriteHostPacket writes a controller-to-device packet to the given
// writer.
func WriteHostPacket(w io.Writer, p HostPacket) error {
	hash := crc32.NewIEEE()
	w = io.MultiWriter(w, hash)

	switch p := p.(type) {
	case HelloPacket:
		if err := binary.Write(w, Endianness, TypeHelloPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p); err != nil {
			return fmt.Errorf("failed to write hello payload: %w", err)
		}
	case BlackoutPacket:
		if err := binary.Write(w, Endianness, TypeBlackoutPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
	case FramePacket:
		if err := binary.Write(w, Endianness, TypeFramePacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Seq); err != nil {
			return fmt.Errorf("failed to write frame sequence number: %w", err)
		}
		if _, err := w.Write(p.Pix); err != nil {
			return fmt.Errorf("failed to write pixel data: %w", err)
		}
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	if err := binary.Write(w, Endianness, hash.Sum32()); err != nil {
		return fmt.Errorf("failed to write packet checksum: %w", err)
	}

	return nil
}

// ReadDevicePacket reads a device-to-controller packet from the given
// reader.
func ReadDevicePacket(r io.Reader) (DevicePacket, error) {
	hash := crc32.NewIEEE()
	r = io.TeeReader(r, hash)

	var packet DevicePacket
	var ptypeBuf [1]byte
	if _, err := io.ReadFull(r, ptypeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read device packet type: %w", err)
	}

	switch ptype := DevicePacketType(ptypeBuf[0]); ptype {
	case TypeAckPacket:
		var p AckPacket
		if err := binary.Read(r, Endianness, &p.Seq); err != nil {
			return nil, fmt.Errorf("failed to read acked sequence number: %w", err)
		}
		packet = p

	case TypeEdgePacket:
		var p EdgePacket
		if err := binary.Read(r, Endianness, &p.Line); err != nil {
			return nil, fmt.Errorf("failed to read edge line: %w", err)
		}
		packet = p

	case TypeLogPacket:
		var p LogPacket
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read log message: %w", err)
		}
		p.Message = msg
		packet = p

	case TypeFaultPacket:
		var p FaultPacket
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read fault message: %w", err)
		}
		p.Message = msg
		packet = p

	default:
		return nil, fmt.Errorf("unknown packet type: %s", ptype)
	}

	sum := hash.Sum32()
	var checksum uint32
	if err := binary.Read(r, Endianness, &checksum); err != nil {
		return nil, fmt.Errorf("failed to read packet checksum: %w", err)
	}
	if checksum != sum {
		return nil, fmt.Errorf("packet checksum mismatch")
	}

	return packet, nil
}

// WriteDevicePacket writes a device-to-controller packet to the given
// writer. The firmware implements the same layout; this side exists to
// test the reader against.
func WriteDevicePacket(w io.Writer, p DevicePacket) error {
	hash := crc32.NewIEEE()
	w = io.MultiWriter(w, hash)

	switch p := p.(type) {
	case AckPacket:
		if err := binary.Write(w, Endianness, TypeAckPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Seq); err != nil {
			return fmt.Errorf("failed to write acked sequence number: %w", err)
		}
	case EdgePacket:
		if err := binary.Write(w, Endianness, TypeEdgePacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := binary.Write(w, Endianness, p.Line); err != nil {
			return fmt.Errorf("failed to write edge line: %w", err)
		}
	case LogPacket:
		if err := binary.Write(w, Endianness, TypeLogPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := writeString(w, p.Message); err != nil {
			return fmt.Errorf("failed to write log message: %w", err)
		}
	case FaultPacket:
		if err := binary.Write(w, Endianness, TypeFaultPacket); err != nil {
			return fmt.Errorf("failed to write packet type: %w", err)
		}
		if err := writeString(w, p.Message); err != nil {
			return fmt.Errorf("failed to write fault message: %w", err)
		}
	default:
		return fmt.Errorf("unknown packet type: %T", p)
	}

	if err := binary.Write(w, Endianness, hash.Sum32()); err != nil {
		return fmt.Errorf("failed to write packet checksum: %w", err)
	}

	return nil
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, Endianness, &length); err != nil {
		return "", fmt.Errorf("failed to read length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to read %d bytes: %w", length, err)
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, Endianness, uint16(len(s))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(s), err)
	}
	return nil
}
