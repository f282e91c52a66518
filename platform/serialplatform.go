package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/pixel"
	"lautenbacher.net/costumeleds/stripserial"
)

// SerialPlatform talks to a microcontroller that carries the strip and
// the physical buttons. Frames go out as stripserial packets; edges,
// acks and device logs come back on the same port. A device fault
// latches the platform into a failed state, and the next WriteFrame
// reports it.
type SerialPlatform struct {
	*basePlatform
	openPort func() (io.ReadWriteCloser, error)
	port     io.ReadWriteCloser
	writeMu  sync.Mutex
	lines    [buttons.NumLines]*softLine
	pix      []byte
	group    *errgroup.Group
	cancel   context.CancelFunc
	seq      atomic.Uint32
	lastAck  atomic.Uint32
	ackOnce  sync.Once
	faultMu  sync.Mutex
	fault    error
}

func NewSerialPlatform(conf *config.Config) *SerialPlatform {
	inst := &SerialPlatform{
		openPort: func() (io.ReadWriteCloser, error) {
			mode := &serial.Mode{BaudRate: conf.Hardware.Serial.Baud}
			return serial.Open(conf.Hardware.Serial.Device, mode)
		},
	}
	inst.basePlatform = newBasePlatform(conf)
	inst.pix = make([]byte, 3*conf.Hardware.Strip.LedsTotal)
	for i := range inst.lines {
		inst.lines[i] = &softLine{}
	}
	return inst
}

func (s *SerialPlatform) Start() error {
	serialCfg := s.config.Hardware.Serial
	slog.Info("Opening serial port...", "device", serialCfg.Device, "baud", serialCfg.Baud)

	port, err := s.openPort()
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", serialCfg.Device, err)
	}
	s.port = port

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error {
		return s.readLoop(ctx)
	})

	err = s.writePacket(stripserial.HelloPacket{
		Version: stripserial.ProtocolVersion,
		NumLeds: uint16(s.config.Hardware.Strip.LedsTotal),
	})
	if err != nil {
		cancel()
		port.Close()
		return fmt.Errorf("failed to greet device: %w", err)
	}

	// readyChan closes when the device acks the hello; see readLoop.
	return nil
}

func (s *SerialPlatform) Stop() {
	s.setInShutdown()

	// Best effort: leave the strip dark.
	if s.port != nil {
		if err := s.writePacket(stripserial.BlackoutPacket{}); err != nil {
			slog.Error("Error writing blackout packet", "error", err)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.port != nil {
		// Closing the port unblocks the read loop.
		if err := s.port.Close(); err != nil {
			slog.Error("Error closing serial port", "error", err)
		}
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			slog.Error("Serial read loop ended with error", "error", err)
		}
	}
}

func (s *SerialPlatform) Line(id buttons.ID) buttons.Line {
	return s.lines[id]
}

func (s *SerialPlatform) WriteFrame(frame pixel.Frame) error {
	s.shutdownMutex.RLock()
	defer s.shutdownMutex.RUnlock()
	if s.isShuttingDown {
		return nil
	}
	if err := s.Err(); err != nil {
		return err
	}

	physical := s.assemblePhysical(frame)
	encodeRGB(physical, s.config.Hardware.Strip.ColorCorrection, s.pix)

	return s.writePacket(stripserial.FramePacket{
		Seq: uint16(s.seq.Add(1)),
		Pix: s.pix,
	})
}

// Err returns the latched device fault, if any.
func (s *SerialPlatform) Err() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

func (s *SerialPlatform) setFault(err error) {
	s.faultMu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.faultMu.Unlock()
}

func (s *SerialPlatform) writePacket(p stripserial.HostPacket) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := stripserial.WriteHostPacket(s.port, p); err != nil {
		return fmt.Errorf("failed to write %s packet: %w", p.Type(), err)
	}
	return nil
}

func (s *SerialPlatform) readLoop(ctx context.Context) error {
	for {
		packet, err := stripserial.ReadDevicePacket(s.port)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if s.inShutdown() {
				return nil
			}
			// The framing has no resync point, so a read or checksum
			// error means the session is gone.
			err = fmt.Errorf("failed to read from device: %w", err)
			s.setFault(err)
			return err
		}

		switch p := packet.(type) {
		case stripserial.AckPacket:
			s.lastAck.Store(uint32(p.Seq))
			s.ackOnce.Do(func() {
				slog.Info("Device answered hello, strip is up")
				close(s.readyChan)
			})
		case stripserial.EdgePacket:
			if int(p.Line) >= buttons.NumLines {
				slog.Warn("Device reported edge on unknown line", "line", p.Line)
				continue
			}
			id := buttons.ID(p.Line)
			if !s.lines[id].detecting() {
				continue
			}
			select {
			case s.edgeEvents <- id:
			case <-ctx.Done():
				return nil
			}
		case stripserial.LogPacket:
			slog.Info("Device log", "message", p.Message)
		case stripserial.FaultPacket:
			err := fmt.Errorf("device fault: %s", p.Message)
			s.setFault(err)
			return err
		}
	}
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
