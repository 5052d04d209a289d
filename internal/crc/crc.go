package crc

// CRC16 is a CCITT checksum accumulator, polynomial 0x1021, processed
// MSB first with no final XOR. The value of the accumulator is the
// checksum itself, so streaming is a matter of folding successive
// buffers into the same accumulator.
// Firmware images are checksummed with the 0xFFFF seed (CCITT-FALSE),
// which has to match bit for bit on both ends of the bus.
type CRC16 uint16

const polynomial = 0x1021

// Seed used for firmware image checksums
const SeedCcittFalse CRC16 = 0xFFFF

// Single adds a single byte to the checksum
func (crc *CRC16) Single(b byte) {
	c := *crc ^ (CRC16(b) << 8)
	for i := 0; i < 8; i++ {
		if c&0x8000 != 0 {
			c = (c << 1) ^ polynomial
		} else {
			c <<= 1
		}
	}
	*crc = c
}

// Block adds a buffer to the checksum
func (crc *CRC16) Block(data []byte) {
	for _, b := range data {
		crc.Single(b)
	}
}

// Sum returns the checksum over data with the firmware seed
func Sum(data []byte) uint16 {
	crc := SeedCcittFalse
	crc.Block(data)
	return uint16(crc)
}
