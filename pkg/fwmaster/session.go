package fwmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/samsamfire/fwupdate/internal/crc"
	"github.com/samsamfire/fwupdate/pkg/fw"
	"github.com/samsamfire/fwupdate/pkg/sdo"
)

// ErrImageUnreadable is returned when the image source is missing,
// empty, or shorter than announced.
var ErrImageUnreadable = errors.New("image unreadable")

// UploadPlan describes one image upload to one node
type UploadPlan struct {
	ImagePath     string
	NodeId        uint8
	ImageType     fw.ImageType
	Bank          uint8
	MaxChunkBytes uint32
	// ExpectedCrc is used as-is when non-zero, otherwise the crc is
	// computed over the payload
	ExpectedCrc uint16
	Version     uint16
}

const DefaultChunkBytes = 256

type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result of one upload session
type Result struct {
	Outcome   Outcome
	Reason    string
	Err       error
	BytesSent uint32
	Chunks    int
	Elapsed   time.Duration
}

// Session drives one remote node through a complete image upload:
// skip check, metadata, start, data chunks, finalize.
type Session struct {
	logger  *slog.Logger
	client  *sdo.Client
	plan    UploadPlan
	payload []byte

	// Lock held around each individual exchange when the transport is
	// shared between concurrent sessions, never for the whole session
	busLock *sync.Mutex
	// Called after every sent chunk
	onProgress func(sent uint32, total uint32)
}

func NewSession(logger *slog.Logger, client *sdo.Client, plan UploadPlan) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if plan.MaxChunkBytes == 0 {
		plan.MaxChunkBytes = DefaultChunkBytes
	}
	return &Session{
		logger: logger.With("service", "[SESSION]", "nodeId", plan.NodeId),
		client: client,
		plan:   plan,
	}
}

// SetPayload preloads the image bytes, the file at ImagePath is then
// never opened.
func (s *Session) SetPayload(payload []byte) {
	s.payload = payload
}

// Run performs the upload and returns its result. Cancelling the
// context stops the session between two chunks.
func (s *Session) Run(ctx context.Context) Result {
	start := time.Now()
	result := s.run(ctx)
	result.Elapsed = time.Since(start)

	switch result.Outcome {
	case OutcomeSuccess:
		seconds := result.Elapsed.Seconds()
		rate := 0.0
		if seconds > 0 {
			rate = float64(result.BytesSent) / 1024.0 / seconds
		}
		s.logger.Info("upload done",
			"bytes", result.BytesSent,
			"chunks", result.Chunks,
			"elapsed", result.Elapsed.Round(time.Millisecond),
			"rate", fmt.Sprintf("%.1f KiB/s", rate),
		)
	case OutcomeSkipped:
		s.logger.Info("node already up to date, skipping")
	case OutcomeFailed:
		s.logger.Error("upload failed", "reason", result.Reason, "err", result.Err)
	}
	return result
}

func (s *Session) run(ctx context.Context) Result {
	payload, err := s.loadPayload()
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: "image unreadable", Err: err}
	}
	imageCrc := s.plan.ExpectedCrc
	if imageCrc == 0 {
		imageCrc = crc.Sum(payload)
	}
	s.logger.Info("starting upload",
		"size", len(payload),
		"crc", fmt.Sprintf("x%x", imageCrc),
		"version", s.plan.Version,
	)

	if s.skipCheck(ctx, imageCrc) {
		return Result{Outcome: OutcomeSkipped}
	}

	meta := fw.Metadata{
		Size:      uint32(len(payload)),
		Crc:       imageCrc,
		ImageType: s.plan.ImageType,
		Bank:      s.plan.Bank,
		Version:   s.plan.Version,
	}
	record, _ := meta.MarshalBinary()
	if err := s.download(ctx, fw.IndexMetadata, record); err != nil {
		return Result{Outcome: OutcomeFailed, Reason: "metadata rejected", Err: err}
	}
	if err := s.download(ctx, fw.IndexControl, fw.ControlStart()); err != nil {
		return Result{Outcome: OutcomeFailed, Reason: "start rejected", Err: err}
	}

	total := uint32(len(payload))
	sent := uint32(0)
	chunks := 0
	lastDecile := 0
	for sent < total {
		select {
		case <-ctx.Done():
			return Result{
				Outcome:   OutcomeFailed,
				Reason:    "cancelled",
				Err:       ctx.Err(),
				BytesSent: sent,
				Chunks:    chunks,
			}
		default:
		}
		count := total - sent
		if count > s.plan.MaxChunkBytes {
			count = s.plan.MaxChunkBytes
		}
		err := s.download(ctx, fw.IndexData, payload[sent:sent+count])
		if err != nil {
			return Result{
				Outcome:   OutcomeFailed,
				Reason:    fmt.Sprintf("chunk at offset %d rejected", sent),
				Err:       err,
				BytesSent: sent,
				Chunks:    chunks,
			}
		}
		sent += count
		chunks++
		if s.onProgress != nil {
			s.onProgress(sent, total)
		}
		if decile := int(uint64(sent) * 10 / uint64(total)); decile > lastDecile {
			lastDecile = decile
			s.logger.Info("progress", "percent", decile*10, "sent", sent, "total", total)
		}
	}

	if err := s.download(ctx, fw.IndexFinalize, fw.EncodeU16(imageCrc)); err != nil {
		return Result{
			Outcome:   OutcomeFailed,
			Reason:    "finalize rejected",
			Err:       err,
			BytesSent: sent,
			Chunks:    chunks,
		}
	}
	return Result{Outcome: OutcomeSuccess, BytesSent: sent, Chunks: chunks}
}

// skipCheck reads the running crc and version of the node. The upload
// is skipped only when both reads succeed and both values match, any
// query failure means upload.
func (s *Session) skipCheck(ctx context.Context, imageCrc uint16) bool {
	remoteCrc, err := s.uploadU16(ctx, fw.IndexRunningCrc)
	if err != nil {
		s.logger.Warn("running crc not readable, uploading", "err", err)
		return false
	}
	remoteVersion, err := s.uploadU16(ctx, fw.IndexVersion)
	if err != nil {
		s.logger.Warn("running version not readable, uploading", "err", err)
		return false
	}
	if remoteCrc != imageCrc || remoteVersion != s.plan.Version {
		s.logger.Info("node out of date",
			"runningCrc", fmt.Sprintf("x%x", remoteCrc),
			"runningVersion", remoteVersion,
		)
		return false
	}
	return true
}

func (s *Session) loadPayload() ([]byte, error) {
	if s.payload != nil {
		return s.payload, nil
	}
	payload, err := os.ReadFile(s.plan.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUnreadable, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrImageUnreadable, s.plan.ImagePath)
	}
	return payload, nil
}

func (s *Session) download(ctx context.Context, index uint16, data []byte) error {
	if s.busLock != nil {
		s.busLock.Lock()
		defer s.busLock.Unlock()
	}
	return s.client.Download(ctx, s.plan.NodeId, index, fw.SubIndex, data)
}

func (s *Session) uploadU16(ctx context.Context, index uint16) (uint16, error) {
	if s.busLock != nil {
		s.busLock.Lock()
		defer s.busLock.Unlock()
	}
	buf := make([]byte, 2)
	n, err := s.client.Upload(ctx, s.plan.NodeId, index, fw.SubIndex, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, fmt.Errorf("expected 2 bytes, got %d", n)
	}
	return fw.DecodeU16(buf)
}
