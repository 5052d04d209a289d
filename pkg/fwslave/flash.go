package fwslave

import (
	"sync"

	fwupdate "github.com/samsamfire/fwupdate"
)

// Flash abstracts the image slots a node can receive firmware into.
// Implementations exist per platform, the receiver only depends on this
// interface.
type Flash interface {
	// Erase prepares the given slot for writing
	Erase(slot uint8) error
	// Write stores data at the given offset inside the slot
	Write(slot uint8, offset uint32, data []byte) error
	// CommitNextBoot marks the slot as the image to boot next
	CommitNextBoot(slot uint8) error
}

// MemoryFlash is an in-memory Flash used in tests and demos. Each slot
// holds up to Capacity bytes.
type MemoryFlash struct {
	mu       sync.Mutex
	Capacity uint32
	slots    map[uint8][]byte
	bootSlot uint8
	erases   int
}

func NewMemoryFlash(capacity uint32) *MemoryFlash {
	return &MemoryFlash{Capacity: capacity, slots: make(map[uint8][]byte)}
}

func (f *MemoryFlash) Erase(slot uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[slot] = make([]byte, 0, f.Capacity)
	f.erases++
	return nil
}

func (f *MemoryFlash) Write(slot uint8, offset uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.slots[slot]
	if !ok || uint32(len(stored)) != offset {
		return fwupdate.ErrInvalidState
	}
	if offset+uint32(len(data)) > f.Capacity {
		return fwupdate.ErrIllegalArgument
	}
	f.slots[slot] = append(stored, data...)
	return nil
}

func (f *MemoryFlash) CommitNextBoot(slot uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.slots[slot]; !ok {
		return fwupdate.ErrInvalidState
	}
	f.bootSlot = slot
	return nil
}

// Slot returns a copy of the bytes written to the given slot
func (f *MemoryFlash) Slot(slot uint8) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.slots[slot]
	out := make([]byte, len(stored))
	copy(out, stored)
	return out
}

// BootSlot returns the slot currently marked for next boot
func (f *MemoryFlash) BootSlot() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootSlot
}

// EraseCount returns how many erases have been performed
func (f *MemoryFlash) EraseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases
}
