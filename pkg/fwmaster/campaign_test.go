package fwmaster_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/fwupdate/pkg/fw"
	"github.com/samsamfire/fwupdate/pkg/fwmaster"
)

func TestLoadCampaign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.ini")
	content := `[campaign]
image = firmware.bin
version = 2
chunk_size = 128
type = bootloader
bank = 1
nodes = 1,2,3
`
	assert.Nil(t, os.WriteFile(path, []byte(content), 0o644))

	plans, err := fwmaster.LoadCampaign(path)
	assert.Nil(t, err)
	assert.Len(t, plans, 3)
	assert.Equal(t, uint8(1), plans[0].NodeId)
	assert.Equal(t, uint8(2), plans[1].NodeId)
	assert.Equal(t, uint8(3), plans[2].NodeId)
	for _, plan := range plans {
		assert.Equal(t, "firmware.bin", plan.ImagePath)
		assert.Equal(t, uint16(2), plan.Version)
		assert.Equal(t, uint32(128), plan.MaxChunkBytes)
		assert.Equal(t, fw.ImageBootloader, plan.ImageType)
		assert.Equal(t, uint8(1), plan.Bank)
		assert.Equal(t, uint16(0), plan.ExpectedCrc)
	}
}

func TestLoadCampaignRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	noImage := filepath.Join(dir, "no_image.ini")
	assert.Nil(t, os.WriteFile(noImage, []byte("[campaign]\nversion = 1\nnodes = 1\n"), 0o644))
	_, err := fwmaster.LoadCampaign(noImage)
	assert.NotNil(t, err)

	noNodes := filepath.Join(dir, "no_nodes.ini")
	assert.Nil(t, os.WriteFile(noNodes, []byte("[campaign]\nimage = a.bin\nversion = 1\n"), 0o644))
	_, err = fwmaster.LoadCampaign(noNodes)
	assert.NotNil(t, err)

	badNode := filepath.Join(dir, "bad_node.ini")
	assert.Nil(t, os.WriteFile(badNode, []byte("[campaign]\nimage = a.bin\nversion = 1\nnodes = 200\n"), 0o644))
	_, err = fwmaster.LoadCampaign(badNode)
	assert.NotNil(t, err)

	_, err = fwmaster.LoadCampaign(filepath.Join(dir, "missing.ini"))
	assert.NotNil(t, err)
}
