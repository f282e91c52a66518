package platform

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"lautenbacher.net/costumeleds/buttons"
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/pixel"
	"lautenbacher.net/costumeleds/stripserial"
)

// fakePort stands in for the device side of the serial link. Host
// writes land in a buffer the test decodes; device packets are fed in
// through a pipe so the read loop blocks like it would on a real port.
type fakePort struct {
	devR      *io.PipeReader
	devW      *io.PipeWriter
	mu        sync.Mutex
	written   bytes.Buffer
	closeOnce sync.Once
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{devR: r, devW: w}
}

func (f *fakePort) Read(p []byte) (int, error) {
	return f.devR.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakePort) Close() error {
	f.closeOnce.Do(func() {
		f.devR.Close()
		f.devW.Close()
	})
	return nil
}

// sendDevicePacket injects one device packet into the host's read loop.
func (f *fakePort) sendDevicePacket(t *testing.T, p stripserial.DevicePacket) {
	t.Helper()
	if err := stripserial.WriteDevicePacket(f.devW, p); err != nil {
		t.Fatalf("Injecting device packet failed: %v", err)
	}
}

// hostPackets decodes everything the platform has written so far.
func (f *fakePort) hostPackets(t *testing.T, numLeds uint16) []stripserial.HostPacket {
	t.Helper()
	f.mu.Lock()
	raw := make([]byte, f.written.Len())
	copy(raw, f.written.Bytes())
	f.mu.Unlock()

	r := bytes.NewReader(raw)
	var packets []stripserial.HostPacket
	for r.Len() > 0 {
		p, err := stripserial.ReadHostPacket(r, stripserial.ReadContext{NumLeds: numLeds})
		if err != nil {
			t.Fatalf("Decoding host packet %d failed: %v", len(packets), err)
		}
		packets = append(packets, p)
	}
	return packets
}

func newTestSerialPlatform(conf *config.Config, fp *fakePort) *SerialPlatform {
	p := NewSerialPlatform(conf)
	p.openPort = func() (io.ReadWriteCloser, error) {
		return fp, nil
	}
	return p
}

func TestSerialHelloAndReady(t *testing.T) {
	fp := newFakePort()
	p := newTestSerialPlatform(testConfig(2, nil), fp)

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	packets := fp.hostPackets(t, 2)
	if len(packets) != 1 {
		t.Fatalf("Expected exactly the hello packet after start, got %d packets", len(packets))
	}
	hello, ok := packets[0].(stripserial.HelloPacket)
	if !ok {
		t.Fatalf("Expected a hello packet, got %T", packets[0])
	}
	if hello.Version != stripserial.ProtocolVersion || hello.NumLeds != 2 {
		t.Errorf("Unexpected hello packet: %+v", hello)
	}

	select {
	case <-p.Ready():
		t.Fatal("Expected platform not to be ready before the device ack")
	default:
	}

	fp.sendDevicePacket(t, stripserial.AckPacket{Seq: 0})

	select {
	case <-p.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected platform to become ready after the device ack")
	}
}

func TestSerialEdgeForwarding(t *testing.T) {
	fp := newFakePort()
	p := newTestSerialPlatform(testConfig(2, nil), fp)

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	if err := p.Line(buttons.Toggle).EnableDetect(); err != nil {
		t.Fatalf("EnableDetect failed: %v", err)
	}

	fp.sendDevicePacket(t, stripserial.EdgePacket{Line: uint8(buttons.Toggle)})
	select {
	case id := <-p.Edges():
		if id != buttons.Toggle {
			t.Errorf("Expected toggle edge, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected an edge event for the enabled line")
	}

	// A disabled line and an unknown line number must both be dropped;
	// the charge edge after them proves the loop processed all three.
	if err := p.Line(buttons.Toggle).DisableDetect(); err != nil {
		t.Fatalf("DisableDetect failed: %v", err)
	}
	if err := p.Line(buttons.Charge).EnableDetect(); err != nil {
		t.Fatalf("EnableDetect failed: %v", err)
	}
	fp.sendDevicePacket(t, stripserial.EdgePacket{Line: uint8(buttons.Toggle)})
	fp.sendDevicePacket(t, stripserial.EdgePacket{Line: 9})
	fp.sendDevicePacket(t, stripserial.EdgePacket{Line: uint8(buttons.Charge)})

	select {
	case id := <-p.Edges():
		if id != buttons.Charge {
			t.Errorf("Expected the charge edge to come through, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the charge edge to come through")
	}
}

func TestSerialWriteFrame(t *testing.T) {
	fp := newFakePort()
	conf := testConfig(4, []config.SegmentConfig{
		{Name: "front", FirstLed: 0, LastLed: 1},
		{Name: "back", FirstLed: 2, LastLed: 3, Reverse: true},
	})
	p := newTestSerialPlatform(conf, fp)

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	garment := pixel.Frame{{Red: 10}, {Red: 20}, {Red: 30}, {Red: 40}}
	if err := p.WriteFrame(garment); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := p.WriteFrame(garment); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	packets := fp.hostPackets(t, 4)
	if len(packets) != 3 {
		t.Fatalf("Expected hello plus two frame packets, got %d packets", len(packets))
	}

	frame1, ok := packets[1].(stripserial.FramePacket)
	if !ok {
		t.Fatalf("Expected a frame packet, got %T", packets[1])
	}
	if frame1.Seq != 1 {
		t.Errorf("Expected first frame to have seq 1, got %d", frame1.Seq)
	}
	// The reversed back segment swaps LEDs 2 and 3 on the wire.
	expectedPix := []uint8{10, 0, 0, 20, 0, 0, 40, 0, 0, 30, 0, 0}
	if !bytes.Equal(frame1.Pix, expectedPix) {
		t.Errorf("Expected pix %v, got %v", expectedPix, frame1.Pix)
	}

	frame2, ok := packets[2].(stripserial.FramePacket)
	if !ok {
		t.Fatalf("Expected a frame packet, got %T", packets[2])
	}
	if frame2.Seq != 2 {
		t.Errorf("Expected second frame to have seq 2, got %d", frame2.Seq)
	}
}

func TestSerialDeviceFaultFailsWrites(t *testing.T) {
	fp := newFakePort()
	p := newTestSerialPlatform(testConfig(2, nil), fp)

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	fp.sendDevicePacket(t, stripserial.FaultPacket{Message: "strip voltage low"})

	deadline := time.Now().Add(2 * time.Second)
	for p.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Expected the device fault to latch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := p.WriteFrame(make(pixel.Frame, 2))
	if err == nil {
		t.Fatal("Expected WriteFrame to fail after a device fault")
	}
	if !strings.Contains(err.Error(), "device fault: strip voltage low") {
		t.Errorf("Expected the device fault in the error, got %v", err)
	}
}

func TestSerialStartFailsWithoutPort(t *testing.T) {
	p := NewSerialPlatform(testConfig(2, nil))
	p.openPort = func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}

	err := p.Start()
	if err == nil {
		t.Fatal("Expected Start to fail when the port cannot be opened")
	}
	if !strings.Contains(err.Error(), "failed to open serial port") {
		t.Errorf("Expected the port open failure in the error, got %v", err)
	}
}
