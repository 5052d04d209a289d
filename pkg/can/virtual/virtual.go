package virtual

import (
	"errors"
	"sync"

	fwupdate "github.com/samsamfire/fwupdate"
	can "github.com/samsamfire/fwupdate/pkg/can"
)

// In-process virtual CAN bus, primarily used for testing.
// All buses attached to the same named channel form one broadcast
// domain, like multiple nodes hanging off the same physical pair.

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)
)

type hub struct {
	mu    sync.Mutex
	buses []*VirtualCanBus
}

func getHub(channel string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[channel]
	if !ok {
		h = &hub{}
		hubs[channel] = h
	}
	return h
}

func (h *hub) attach(bus *VirtualCanBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buses = append(h.buses, bus)
}

func (h *hub) detach(bus *VirtualCanBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.buses {
		if b == bus {
			h.buses = append(h.buses[:i], h.buses[i+1:]...)
			return
		}
	}
}

// Broadcast a frame to every attached bus except (optionally) the sender
func (h *hub) broadcast(frame fwupdate.Frame, sender *VirtualCanBus) {
	h.mu.Lock()
	receivers := make([]*VirtualCanBus, 0, len(h.buses))
	for _, b := range h.buses {
		if b != sender || b.receiveOwn {
			receivers = append(receivers, b)
		}
	}
	h.mu.Unlock()
	for _, b := range receivers {
		b.dispatch(frame)
	}
}

type VirtualCanBus struct {
	mu           sync.Mutex
	channel      string
	hub          *hub
	framehandler fwupdate.FrameListener
	receiveOwn   bool
	connected    bool
}

func NewVirtualCanBus(channel string) (fwupdate.Bus, error) {
	return &VirtualCanBus{channel: channel}, nil
}

// "Connect" attaches the bus to its broadcast domain
func (b *VirtualCanBus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.hub = getHub(b.channel)
	b.hub.attach(b)
	b.connected = true
	return nil
}

// "Disconnect" detaches the bus from its broadcast domain
func (b *VirtualCanBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.hub.detach(b)
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface
func (b *VirtualCanBus) Send(frame fwupdate.Frame) error {
	b.mu.Lock()
	hub := b.hub
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.New("no active connection, abort send")
	}
	hub.broadcast(frame, b)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *VirtualCanBus) Subscribe(framehandler fwupdate.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *VirtualCanBus) dispatch(frame fwupdate.Frame) {
	b.mu.Lock()
	handler := b.framehandler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}

// SetReceiveOwn enables local loopback of sent frames
func (b *VirtualCanBus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
