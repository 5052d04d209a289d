package fwslave

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/fwupdate/internal/crc"
	"github.com/samsamfire/fwupdate/pkg/fw"
	"github.com/samsamfire/fwupdate/pkg/sdo"
)

// Phase of an ongoing firmware reception
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseMetadataSet
	PhaseErasing
	PhaseReceiving
	PhaseFinalizing
	PhaseVerified
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMetadataSet:
		return "metadata set"
	case PhaseErasing:
		return "erasing"
	case PhaseReceiving:
		return "receiving"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseVerified:
		return "verified"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	// Maximum accepted image size, a metadata write declaring more is
	// rejected before any erase
	MaxImageSize uint32
	// Delay between verification and the reboot callback, leaves time
	// for log flushing
	RebootDelay time.Duration
	// Reboot is called once a verified image has been committed
	Reboot func()
	// Values served for the running crc and version when nothing has
	// ever been persisted
	DefaultCrc     uint16
	DefaultVersion uint16
}

const (
	DefaultMaxImageSize = 512 * 1024
	DefaultRebootDelay  = 500 * time.Millisecond
)

// Receiver accepts a firmware image pushed by a remote update session
// and commits it as the next boot image once its checksum verifies.
// It implements sdo.ObjectStore and is driven by object writes in
// sequence: metadata, control, data chunks, finalize.
type Receiver struct {
	logger *slog.Logger
	flash  Flash
	store  Store
	config Config

	mu           sync.Mutex
	phase        Phase
	meta         fw.Metadata
	bytesWritten uint32
	runningCrc   crc.CRC16
}

func NewReceiver(logger *slog.Logger, flash Flash, store Store, config Config) (*Receiver, error) {
	if flash == nil || store == nil {
		return nil, fmt.Errorf("flash and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxImageSize == 0 {
		config.MaxImageSize = DefaultMaxImageSize
	}
	if config.RebootDelay == 0 {
		config.RebootDelay = DefaultRebootDelay
	}
	return &Receiver{
		logger: logger.With("service", "[RECEIVER]"),
		flash:  flash,
		store:  store,
		config: config,
	}, nil
}

// Phase returns the current reception phase
func (r *Receiver) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// BytesWritten returns the number of image bytes received so far
func (r *Receiver) BytesWritten() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesWritten
}

// WriteObject implements sdo.ObjectStore
func (r *Receiver) WriteObject(index uint16, subindex uint8, data []byte) error {
	if subindex != fw.SubIndex {
		return sdo.AbortSubUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch index {
	case fw.IndexMetadata:
		return r.writeMetadata(data)
	case fw.IndexControl:
		return r.writeControl(data)
	case fw.IndexData:
		return r.writeData(data)
	case fw.IndexFinalize:
		return r.writeFinalize(data)
	}
	return sdo.AbortNotExist
}

// ReadObject implements sdo.ObjectStore. The running crc and version
// are always readable, whatever the reception phase.
func (r *Receiver) ReadObject(index uint16, subindex uint8) ([]byte, error) {
	if subindex != fw.SubIndex {
		return nil, sdo.AbortSubUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch index {
	case fw.IndexRunningCrc:
		value, ok := r.store.Get(KeyVerifiedCrc)
		if !ok {
			value = r.config.DefaultCrc
		}
		return fw.EncodeU16(value), nil
	case fw.IndexVersion:
		value, ok := r.store.Get(KeyVerifiedVersion)
		if !ok {
			value = r.config.DefaultVersion
		}
		return fw.EncodeU16(value), nil
	case fw.IndexFinalize:
		return []byte{uint8(r.phase)}, nil
	}
	return nil, sdo.AbortNotExist
}

func (r *Receiver) writeMetadata(data []byte) error {
	switch r.phase {
	case PhaseIdle, PhaseMetadataSet, PhaseVerified, PhaseFailed:
	default:
		// Mid reception, a new session has to wait or reset us
		return sdo.AbortDataDeviceState
	}
	var meta fw.Metadata
	if err := meta.UnmarshalBinary(data); err != nil {
		return sdo.AbortTypeMismatch
	}
	if meta.Size == 0 {
		return sdo.AbortInvalidValue
	}
	if meta.Size > r.config.MaxImageSize {
		r.logger.Warn("announced image exceeds capacity",
			"size", meta.Size,
			"max", r.config.MaxImageSize,
		)
		return sdo.AbortOutOfMem
	}
	r.meta = meta
	r.phase = PhaseMetadataSet
	r.logger.Info("image announced",
		"size", meta.Size,
		"crc", fmt.Sprintf("x%x", meta.Crc),
		"type", meta.ImageType.String(),
		"bank", meta.Bank,
		"version", meta.Version,
	)
	return nil
}

func (r *Receiver) writeControl(data []byte) error {
	if r.phase != PhaseMetadataSet {
		return sdo.AbortUnsupportedAccess
	}
	if !fw.IsControlStart(data) {
		return sdo.AbortInvalidValue
	}
	r.phase = PhaseErasing
	if err := r.flash.Erase(r.meta.Bank); err != nil {
		r.logger.Error("erase failed", "bank", r.meta.Bank, "err", err)
		r.phase = PhaseFailed
		return sdo.AbortHardware
	}
	r.bytesWritten = 0
	r.runningCrc = crc.SeedCcittFalse
	r.phase = PhaseReceiving
	r.logger.Info("slot erased, receiving", "bank", r.meta.Bank)
	return nil
}

func (r *Receiver) writeData(data []byte) error {
	if r.phase != PhaseReceiving {
		return sdo.AbortUnsupportedAccess
	}
	if r.bytesWritten+uint32(len(data)) > r.meta.Size {
		r.logger.Warn("chunk overflows announced size",
			"received", r.bytesWritten,
			"chunk", len(data),
			"announced", r.meta.Size,
		)
		r.phase = PhaseFailed
		return sdo.AbortDataLong
	}
	if err := r.flash.Write(r.meta.Bank, r.bytesWritten, data); err != nil {
		r.logger.Error("flash write failed", "offset", r.bytesWritten, "err", err)
		r.phase = PhaseFailed
		return sdo.AbortHardware
	}
	r.runningCrc.Block(data)
	r.bytesWritten += uint32(len(data))
	return nil
}

func (r *Receiver) writeFinalize(data []byte) error {
	if r.phase != PhaseReceiving || r.bytesWritten != r.meta.Size {
		return sdo.AbortUnsupportedAccess
	}
	expected, err := fw.DecodeU16(data)
	if err != nil {
		return sdo.AbortTypeMismatch
	}
	r.phase = PhaseFinalizing
	if uint16(r.runningCrc) != expected {
		// Keep booting the current image
		r.logger.Error("crc mismatch, image rejected",
			"computed", fmt.Sprintf("x%x", uint16(r.runningCrc)),
			"expected", fmt.Sprintf("x%x", expected),
		)
		r.phase = PhaseFailed
		return nil
	}
	if err := r.flash.CommitNextBoot(r.meta.Bank); err != nil {
		r.logger.Error("commit failed", "bank", r.meta.Bank, "err", err)
		r.phase = PhaseFailed
		return sdo.AbortHardware
	}
	r.store.Set(KeyVerifiedCrc, expected)
	r.store.Set(KeyVerifiedVersion, r.meta.Version)
	if err := r.store.Commit(); err != nil {
		r.logger.Warn("persisting verified values failed", "err", err)
	}
	r.phase = PhaseVerified
	r.logger.Info("image verified",
		"crc", fmt.Sprintf("x%x", expected),
		"version", r.meta.Version,
		"bank", r.meta.Bank,
	)
	if r.config.Reboot != nil {
		reboot := r.config.Reboot
		time.AfterFunc(r.config.RebootDelay, reboot)
	}
	return nil
}
