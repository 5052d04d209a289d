package fwmaster_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/fwupdate/pkg/fwmaster"
	"github.com/samsamfire/fwupdate/pkg/fwslave"
)

func TestCoordinatorUpdatesTwoNodesConcurrently(t *testing.T) {
	payload := testPayload(2048)
	imagePath := filepath.Join(t.TempDir(), "firmware.bin")
	assert.Nil(t, os.WriteFile(imagePath, payload, 0o644))

	slaveA := newSlaveNode(t, 0x21, nil)
	slaveB := newSlaveNode(t, 0x22, nil)

	planA := newPlan(0x21, 2)
	planA.ImagePath = imagePath
	planB := newPlan(0x22, 2)
	planB.ImagePath = imagePath

	coordinator := fwmaster.NewCoordinator(nil, newTestClient(t))
	summary := coordinator.Run(context.Background(), []fwmaster.UploadPlan{planA, planB})

	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.Records, 2)
	for _, record := range summary.Records {
		assert.Equal(t, fwmaster.OutcomeSuccess, record.Outcome)
		assert.Equal(t, uint32(2048), record.BytesSent)
	}

	assert.True(t, bytes.Equal(payload, slaveA.flash.Slot(1)))
	assert.True(t, bytes.Equal(payload, slaveB.flash.Slot(1)))
	assert.Equal(t, fwslave.PhaseVerified, slaveA.receiver.Phase())
	assert.Equal(t, fwslave.PhaseVerified, slaveB.receiver.Phase())

	// Snapshot after completion reflects the final records
	records := coordinator.Progress()
	assert.Len(t, records, 2)
	assert.Equal(t, uint8(0x21), records[0].NodeId)
	assert.Equal(t, uint8(0x22), records[1].NodeId)
}
