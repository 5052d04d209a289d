// Package fw holds the wire records and object addresses shared by the
// firmware update master and slave sides.
package fw

import (
	"encoding/binary"

	fwupdate "github.com/samsamfire/fwupdate"
)

// Firmware update objects. All accesses use SubIndex.
const (
	IndexData       uint16 = 0x1F50
	IndexControl    uint16 = 0x1F51
	IndexMetadata   uint16 = 0x1F57
	IndexFinalize   uint16 = 0x1F5A
	IndexRunningCrc uint16 = 0x1F5B
	IndexVersion    uint16 = 0x1F5C

	SubIndex uint8 = 1
)

type ImageType uint8

const (
	ImageMain       ImageType = 0
	ImageBootloader ImageType = 1
	ImageConfig     ImageType = 2
)

func (t ImageType) String() string {
	switch t {
	case ImageMain:
		return "main"
	case ImageBootloader:
		return "bootloader"
	case ImageConfig:
		return "config"
	}
	return "unknown"
}

// Metadata announces an incoming image to a slave. It is written to
// IndexMetadata before any data is sent.
type Metadata struct {
	Size      uint32
	Crc       uint16
	ImageType ImageType
	Bank      uint8
	Version   uint16
}

const MetadataSize = 10

func (m *Metadata) MarshalBinary() ([]byte, error) {
	data := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint32(data[0:], m.Size)
	binary.LittleEndian.PutUint16(data[4:], m.Crc)
	data[6] = uint8(m.ImageType)
	data[7] = m.Bank
	binary.LittleEndian.PutUint16(data[8:], m.Version)
	return data, nil
}

func (m *Metadata) UnmarshalBinary(data []byte) error {
	if len(data) != MetadataSize {
		return fwupdate.ErrRxMsgLength
	}
	m.Size = binary.LittleEndian.Uint32(data[0:])
	m.Crc = binary.LittleEndian.Uint16(data[4:])
	m.ImageType = ImageType(data[6])
	m.Bank = data[7]
	m.Version = binary.LittleEndian.Uint16(data[8:])
	return nil
}

// ControlStart is the record written to IndexControl to arm the slave
// for reception. Byte 0 is the start command, the rest is reserved.
func ControlStart() []byte {
	return []byte{0x01, 0x00, 0x00}
}

func IsControlStart(data []byte) bool {
	return len(data) == 3 && data[0] == 0x01
}

// EncodeU16 encodes the 2 byte records (finalize crc, running crc,
// version) in their wire form.
func EncodeU16(value uint16) []byte {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return data
}

func DecodeU16(data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fwupdate.ErrRxMsgLength
	}
	return binary.LittleEndian.Uint16(data), nil
}
