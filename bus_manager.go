package fwupdate

import (
	"log/slog"
	"sync"
)

// Bus manager is a wrapper around the CAN bus interface
// used by the update stack to dispatch received frames to
// the subscribed protocol objects.
type BusManager struct {
	logger         *slog.Logger
	mu             sync.Mutex
	bus            Bus
	frameListeners map[uint32][]FrameListener
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners, ok := bm.frameListeners[frame.ID]
	if !ok {
		bm.mu.Unlock()
		return
	}
	// Copy to release lock before dispatching, listeners may send
	dispatch := make([]FrameListener, len(listeners))
	copy(dispatch, listeners)
	bm.mu.Unlock()
	for _, listener := range dispatch {
		listener.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message
// Limited error handling
func (bm *BusManager) Send(frame Frame) error {
	err := bm.bus.Send(frame)
	if err != nil {
		bm.logger.Warn("[CAN] error sending frame", "err", err)
	}
	return err
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	listeners, ok := bm.frameListeners[ident]
	if !ok {
		bm.frameListeners[ident] = []FrameListener{callback}
		return nil
	}
	// Verify that we are not adding the same listener twice
	for _, existing := range listeners {
		if existing == callback {
			bm.logger.Warn("[CAN] listener for frame id already added", "id", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(listeners, callback)
	return nil
}

// Unsubscribe a listener from a specific CAN ID
func (bm *BusManager) Unsubscribe(ident uint32, callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & CanSffMask
	listeners := bm.frameListeners[ident]
	for i, existing := range listeners {
		if existing == callback {
			bm.frameListeners[ident] = append(listeners[:i], listeners[i+1:]...)
			return
		}
	}
}

func NewBusManager(bus Bus, logger *slog.Logger) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{
		logger:         logger,
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
}
