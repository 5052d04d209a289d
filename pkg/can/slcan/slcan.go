package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	fwupdate "github.com/samsamfire/fwupdate"
	can "github.com/samsamfire/fwupdate/pkg/can"
	"go.bug.st/serial"
)

// Serial-line CAN (slcan) adapter support. Frames are exchanged in the
// ASCII format used by the LAWICEL/can-utils slcan protocol:
// 't' iii l dd..dd '\r' for a standard data frame.
// This is the transport of choice when the updater talks to the bus
// through a USB serial dongle instead of a native CAN interface.

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

const defaultBaudRate = 115200

type SlcanBus struct {
	logger       *slog.Logger
	mu           sync.Mutex
	channel      string
	port         serial.Port
	framehandler fwupdate.FrameListener
	stopChan     chan struct{}
	wg           sync.WaitGroup
	running      bool
}

func NewSlcanBus(channel string) (fwupdate.Bus, error) {
	return &SlcanBus{channel: channel, logger: slog.Default()}, nil
}

// "Connect" opens the serial port and puts the adapter in open mode
func (b *SlcanBus) Connect(...any) error {
	mode := &serial.Mode{BaudRate: defaultBaudRate}
	port, err := serial.Open(b.channel, mode)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.port = port
	b.stopChan = make(chan struct{})
	b.mu.Unlock()
	// Close any previous channel, then open
	if _, err := port.Write([]byte("C\r")); err != nil {
		return err
	}
	if _, err := port.Write([]byte("O\r")); err != nil {
		return err
	}
	return nil
}

// "Disconnect" closes the adapter channel and the serial port
func (b *SlcanBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	if b.running {
		close(b.stopChan)
		b.running = false
	}
	_, _ = b.port.Write([]byte("C\r"))
	err := b.port.Close()
	b.port = nil
	return err
}

// "Send" implementation of Bus interface
func (b *SlcanBus) Send(frame fwupdate.Frame) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return errors.New("no active connection, abort send")
	}
	if frame.DLC > 8 {
		return fwupdate.ErrIllegalArgument
	}
	line := fmt.Sprintf("t%03X%d%s\r",
		frame.ID&fwupdate.CanSffMask,
		frame.DLC,
		hex.EncodeToString(frame.Data[:frame.DLC]),
	)
	_, err := port.Write([]byte(line))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *SlcanBus) Subscribe(framehandler fwupdate.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	if b.running || b.port == nil {
		return nil
	}
	b.running = true
	b.wg.Add(1)
	go b.handleReception()
	return nil
}

// Read serial bytes, split on '\r' and decode data frames
func (b *SlcanBus) handleReception() {
	defer b.wg.Done()
	buf := make([]byte, 64)
	line := make([]byte, 0, 32)
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		n, err := b.port.Read(buf)
		if err != nil {
			b.logger.Error("[SLCAN] read failed, stopping reception", "err", err)
			return
		}
		for _, c := range buf[:n] {
			if c != '\r' && c != '\n' {
				line = append(line, c)
				continue
			}
			if len(line) > 0 {
				b.decodeLine(string(line))
				line = line[:0]
			}
		}
	}
}

func (b *SlcanBus) decodeLine(line string) {
	// Only standard data frames are of interest here
	if line[0] != 't' || len(line) < 5 {
		return
	}
	id, err := strconv.ParseUint(line[1:4], 16, 32)
	if err != nil {
		return
	}
	dlc, err := strconv.ParseUint(line[4:5], 10, 8)
	if err != nil || dlc > 8 || len(line) < 5+int(dlc)*2 {
		return
	}
	frame := fwupdate.NewFrame(uint32(id), 0, uint8(dlc))
	data, err := hex.DecodeString(line[5 : 5+dlc*2])
	if err != nil {
		return
	}
	copy(frame.Data[:], data)
	b.mu.Lock()
	handler := b.framehandler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}
