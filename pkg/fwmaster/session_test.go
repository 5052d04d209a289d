package fwmaster_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	fwupdate "github.com/samsamfire/fwupdate"
	"github.com/samsamfire/fwupdate/internal/crc"
	"github.com/samsamfire/fwupdate/pkg/can"
	_ "github.com/samsamfire/fwupdate/pkg/can/virtual"
	"github.com/samsamfire/fwupdate/pkg/fw"
	"github.com/samsamfire/fwupdate/pkg/fwmaster"
	"github.com/samsamfire/fwupdate/pkg/fwslave"
	"github.com/samsamfire/fwupdate/pkg/sdo"
)

func newTestBus(t *testing.T) *fwupdate.BusManager {
	bus, err := can.NewBus("virtual", t.Name())
	assert.Nil(t, err)
	assert.Nil(t, bus.Connect())
	t.Cleanup(func() { bus.Disconnect() })
	bm := fwupdate.NewBusManager(bus, nil)
	assert.Nil(t, bus.Subscribe(bm))
	return bm
}

func newTestClient(t *testing.T) *sdo.Client {
	client, err := sdo.NewClient(newTestBus(t), nil)
	assert.Nil(t, err)
	return client
}

type slaveNode struct {
	receiver *fwslave.Receiver
	flash    *fwslave.MemoryFlash
	store    *fwslave.MemoryStore
}

// blockingStore wraps another ObjectStore and refuses reads of selected
// indexes, used to simulate nodes that cannot answer the skip check
type blockingStore struct {
	inner   sdo.ObjectStore
	blocked map[uint16]bool
}

func (s *blockingStore) ReadObject(index uint16, subindex uint8) ([]byte, error) {
	if s.blocked[index] {
		return nil, sdo.AbortNotExist
	}
	return s.inner.ReadObject(index, subindex)
}

func (s *blockingStore) WriteObject(index uint16, subindex uint8, data []byte) error {
	return s.inner.WriteObject(index, subindex, data)
}

func newSlaveNode(t *testing.T, nodeId uint8, blocked map[uint16]bool) *slaveNode {
	flash := fwslave.NewMemoryFlash(fwslave.DefaultMaxImageSize)
	store := fwslave.NewMemoryStore()
	receiver, err := fwslave.NewReceiver(nil, flash, store, fwslave.Config{})
	assert.Nil(t, err)
	var objects sdo.ObjectStore = receiver
	if blocked != nil {
		objects = &blockingStore{inner: receiver, blocked: blocked}
	}
	server, err := sdo.NewServer(newTestBus(t), nil, nodeId, objects)
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Process(ctx)
	return &slaveNode{receiver: receiver, flash: flash, store: store}
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i*31 + i>>8)
	}
	return payload
}

func newPlan(nodeId uint8, version uint16) fwmaster.UploadPlan {
	return fwmaster.UploadPlan{
		NodeId:        nodeId,
		ImageType:     fw.ImageMain,
		Bank:          1,
		MaxChunkBytes: 256,
		Version:       version,
	}
}

func TestSessionSkipsUpToDateNode(t *testing.T) {
	payload := testPayload(253120)
	payloadCrc := crc.Sum(payload)
	slave := newSlaveNode(t, 0x21, nil)
	slave.store.Set(fwslave.KeyVerifiedCrc, payloadCrc)
	slave.store.Set(fwslave.KeyVerifiedVersion, 2)

	session := fwmaster.NewSession(nil, newTestClient(t), newPlan(0x21, 2))
	session.SetPayload(payload)
	result := session.Run(context.Background())

	assert.Equal(t, fwmaster.OutcomeSkipped, result.Outcome)
	assert.Equal(t, 0, result.Chunks)
	assert.Equal(t, 0, slave.flash.EraseCount())
}

func TestSessionUploadsWhenVersionDiffers(t *testing.T) {
	payload := testPayload(253120)
	payloadCrc := crc.Sum(payload)
	slave := newSlaveNode(t, 0x21, nil)
	slave.store.Set(fwslave.KeyVerifiedCrc, payloadCrc)
	slave.store.Set(fwslave.KeyVerifiedVersion, 1)

	session := fwmaster.NewSession(nil, newTestClient(t), newPlan(0x21, 2))
	session.SetPayload(payload)
	result := session.Run(context.Background())

	assert.Equal(t, fwmaster.OutcomeSuccess, result.Outcome)
	// ceil(253120/256)
	assert.Equal(t, 989, result.Chunks)
	assert.Equal(t, uint32(253120), result.BytesSent)
	assert.Equal(t, fwslave.PhaseVerified, slave.receiver.Phase())
	assert.True(t, bytes.Equal(payload, slave.flash.Slot(1)))

	version, ok := slave.store.Get(fwslave.KeyVerifiedVersion)
	assert.True(t, ok)
	assert.Equal(t, uint16(2), version)
}

func TestSessionSkipCheckTable(t *testing.T) {
	cases := []struct {
		name       string
		blocked    map[uint16]bool
		slaveCrcOk bool
		slaveVerOk bool
		expect     fwmaster.Outcome
	}{
		{"both readable, both match", nil, true, true, fwmaster.OutcomeSkipped},
		{"both readable, crc differs", nil, false, true, fwmaster.OutcomeSuccess},
		{"both readable, version differs", nil, true, false, fwmaster.OutcomeSuccess},
		{"crc unreadable", map[uint16]bool{fw.IndexRunningCrc: true}, true, true, fwmaster.OutcomeSuccess},
		{"version unreadable", map[uint16]bool{fw.IndexVersion: true}, true, true, fwmaster.OutcomeSuccess},
		{"both unreadable", map[uint16]bool{fw.IndexRunningCrc: true, fw.IndexVersion: true}, true, true, fwmaster.OutcomeSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := testPayload(512)
			payloadCrc := crc.Sum(payload)
			slave := newSlaveNode(t, 0x21, tc.blocked)
			if tc.slaveCrcOk {
				slave.store.Set(fwslave.KeyVerifiedCrc, payloadCrc)
			} else {
				slave.store.Set(fwslave.KeyVerifiedCrc, payloadCrc^0xFFFF)
			}
			if tc.slaveVerOk {
				slave.store.Set(fwslave.KeyVerifiedVersion, 2)
			} else {
				slave.store.Set(fwslave.KeyVerifiedVersion, 1)
			}

			session := fwmaster.NewSession(nil, newTestClient(t), newPlan(0x21, 2))
			session.SetPayload(payload)
			result := session.Run(context.Background())
			assert.Equal(t, tc.expect, result.Outcome)
		})
	}
}

func TestSessionImageUnreadable(t *testing.T) {
	plan := newPlan(0x21, 1)
	plan.ImagePath = "does/not/exist.bin"
	session := fwmaster.NewSession(nil, nil, plan)
	result := session.Run(context.Background())
	assert.Equal(t, fwmaster.OutcomeFailed, result.Outcome)
	assert.True(t, errors.Is(result.Err, fwmaster.ErrImageUnreadable))
}

func TestSessionFailsWithoutSlave(t *testing.T) {
	payload := testPayload(512)
	client := newTestClient(t)
	client.SetTimeout(50 * time.Millisecond)
	session := fwmaster.NewSession(nil, client, newPlan(0x21, 1))
	session.SetPayload(payload)
	result := session.Run(context.Background())
	assert.Equal(t, fwmaster.OutcomeFailed, result.Outcome)
	assert.Equal(t, "metadata rejected", result.Reason)
	assert.Equal(t, sdo.AbortTimeout, result.Err)
}
