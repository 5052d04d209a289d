package fwupdate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBus struct {
	sent    []Frame
	sendErr error
}

func (b *fakeBus) Connect(...any) error             { return nil }
func (b *fakeBus) Disconnect() error                { return nil }
func (b *fakeBus) Send(frame Frame) error           { b.sent = append(b.sent, frame); return b.sendErr }
func (b *fakeBus) Subscribe(fl FrameListener) error { return nil }

type countingListener struct {
	frames []Frame
}

func (l *countingListener) Handle(frame Frame) {
	l.frames = append(l.frames, frame)
}

func TestBusManagerDispatchesByFrameId(t *testing.T) {
	bm := NewBusManager(&fakeBus{}, nil)
	listener := &countingListener{}
	assert.Nil(t, bm.Subscribe(0x581, 0x7FF, false, listener))

	bm.Handle(NewFrame(0x581, 0, 8))
	bm.Handle(NewFrame(0x582, 0, 8))
	bm.Handle(NewFrame(0x581, 0, 8))
	assert.Len(t, listener.frames, 2)
}

func TestBusManagerIgnoresDuplicateSubscribe(t *testing.T) {
	bm := NewBusManager(&fakeBus{}, nil)
	listener := &countingListener{}
	assert.Nil(t, bm.Subscribe(0x581, 0x7FF, false, listener))
	assert.Nil(t, bm.Subscribe(0x581, 0x7FF, false, listener))

	bm.Handle(NewFrame(0x581, 0, 8))
	assert.Len(t, listener.frames, 1)
}

func TestBusManagerUnsubscribe(t *testing.T) {
	bm := NewBusManager(&fakeBus{}, nil)
	listener := &countingListener{}
	assert.Nil(t, bm.Subscribe(0x200, 0x7FF, false, listener))
	bm.Unsubscribe(0x200, listener)

	bm.Handle(NewFrame(0x200, 0, 8))
	assert.Len(t, listener.frames, 0)
}

func TestBusManagerSendForwardsError(t *testing.T) {
	sendErr := errors.New("tx queue full")
	bus := &fakeBus{sendErr: sendErr}
	bm := NewBusManager(bus, nil)
	err := bm.Send(NewFrame(0x100, 0, 8))
	assert.Equal(t, sendErr, err)
	assert.Len(t, bus.sent, 1)
}
