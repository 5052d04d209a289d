package fwmaster

import (
	"fmt"

	"github.com/samsamfire/fwupdate/pkg/fw"
	"gopkg.in/ini.v1"
)

// LoadCampaign reads a campaign description file and expands it into
// one UploadPlan per listed node. Expected format :
//
//	[campaign]
//	image = firmware.bin
//	version = 2
//	chunk_size = 256
//	type = main
//	bank = 0
//	crc = 0x1A00      ; optional, computed from the image when absent
//	nodes = 1,2,3
func LoadCampaign(path string) ([]UploadPlan, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	section := file.Section("campaign")

	imagePath := section.Key("image").String()
	if imagePath == "" {
		return nil, fmt.Errorf("campaign %s : no image given", path)
	}
	version, err := section.Key("version").Uint()
	if err != nil || version > 0xFFFF {
		return nil, fmt.Errorf("campaign %s : invalid version", path)
	}
	chunkSize := section.Key("chunk_size").MustUint(DefaultChunkBytes)
	bank := section.Key("bank").MustUint(0)
	if bank > 0xFF {
		return nil, fmt.Errorf("campaign %s : invalid bank", path)
	}
	expectedCrc := section.Key("crc").MustUint(0)
	if expectedCrc > 0xFFFF {
		return nil, fmt.Errorf("campaign %s : invalid crc", path)
	}

	imageType := fw.ImageMain
	switch section.Key("type").MustString("main") {
	case "main":
		imageType = fw.ImageMain
	case "bootloader":
		imageType = fw.ImageBootloader
	case "config":
		imageType = fw.ImageConfig
	default:
		return nil, fmt.Errorf("campaign %s : unknown image type %q", path, section.Key("type").String())
	}

	nodes := section.Key("nodes").Ints(",")
	if len(nodes) == 0 {
		return nil, fmt.Errorf("campaign %s : no nodes listed", path)
	}
	plans := make([]UploadPlan, 0, len(nodes))
	for _, node := range nodes {
		if node <= 0 || node > 127 {
			return nil, fmt.Errorf("campaign %s : invalid node id %d", path, node)
		}
		plans = append(plans, UploadPlan{
			ImagePath:     imagePath,
			NodeId:        uint8(node),
			ImageType:     imageType,
			Bank:          uint8(bank),
			MaxChunkBytes: uint32(chunkSize),
			ExpectedCrc:   uint16(expectedCrc),
			Version:       uint16(version),
		})
	}
	return plans, nil
}
