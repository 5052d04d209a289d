package virtual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	fwupdate "github.com/samsamfire/fwupdate"
	"github.com/samsamfire/fwupdate/pkg/can"
)

type collector struct {
	rx chan fwupdate.Frame
}

func (c *collector) Handle(frame fwupdate.Frame) {
	c.rx <- frame
}

func TestBroadcastBetweenBuses(t *testing.T) {
	busA, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	busB, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	assert.Nil(t, busA.Connect())
	assert.Nil(t, busB.Connect())
	defer busA.Disconnect()
	defer busB.Disconnect()

	rxA := &collector{rx: make(chan fwupdate.Frame, 1)}
	rxB := &collector{rx: make(chan fwupdate.Frame, 1)}
	assert.Nil(t, busA.Subscribe(rxA))
	assert.Nil(t, busB.Subscribe(rxB))

	frame := fwupdate.NewFrame(0x123, 0, 2)
	frame.Data[0] = 0xAA
	assert.Nil(t, busA.Send(frame))

	select {
	case received := <-rxB.rx:
		assert.Equal(t, frame, received)
	case <-time.After(time.Second):
		t.Fatal("frame not broadcast")
	}
	// Sender does not hear its own frame by default
	select {
	case <-rxA.rx:
		t.Fatal("unexpected local echo")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveOwn(t *testing.T) {
	bus, err := NewVirtualCanBus(t.Name())
	assert.Nil(t, err)
	vbus := bus.(*VirtualCanBus)
	vbus.SetReceiveOwn(true)
	assert.Nil(t, vbus.Connect())
	defer vbus.Disconnect()

	rx := &collector{rx: make(chan fwupdate.Frame, 1)}
	assert.Nil(t, vbus.Subscribe(rx))
	assert.Nil(t, vbus.Send(fwupdate.NewFrame(0x42, 0, 0)))

	select {
	case received := <-rx.rx:
		assert.Equal(t, uint32(0x42), received.ID)
	case <-time.After(time.Second):
		t.Fatal("no local echo")
	}
}

func TestSendWithoutConnect(t *testing.T) {
	bus, err := NewVirtualCanBus(t.Name())
	assert.Nil(t, err)
	assert.NotNil(t, bus.Send(fwupdate.NewFrame(0x1, 0, 0)))
}
