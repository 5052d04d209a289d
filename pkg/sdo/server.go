package sdo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	fwupdate "github.com/samsamfire/fwupdate"
)

// ObjectStore gives the server access to the node objects. Errors should
// be of type Abort, anything else is reported as a general error.
type ObjectStore interface {
	ReadObject(index uint16, subindex uint8) ([]byte, error)
	WriteObject(index uint16, subindex uint8, data []byte) error
}

type serverState uint8

const (
	stateIdle serverState = iota
	stateDownloadSegment
	stateUploadSegment
)

// Maximum accepted size for a single segmented download
const maxTransferSize = 1 << 20

// Server answers SDO requests addressed to a single node id, reading and
// writing objects through an ObjectStore.
type Server struct {
	*fwupdate.BusManager
	logger  *slog.Logger
	store   ObjectStore
	nodeId  uint8
	rx      chan fwupdate.Frame
	timeout time.Duration

	// Ongoing transfer
	state         serverState
	index         uint16
	subindex      uint8
	toggle        uint8
	sizeIndicated uint32
	buffer        []byte
	uploadData    []byte
	uploadOffset  int
}

func NewServer(bm *fwupdate.BusManager, logger *slog.Logger, nodeId uint8, store ObjectStore) (*Server, error) {
	if bm == nil || store == nil || nodeId == 0 || nodeId > 127 {
		return nil, fwupdate.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		BusManager: bm,
		logger:     logger.With("service", "[SERVER]", "nodeId", nodeId),
		store:      store,
		nodeId:     nodeId,
		rx:         make(chan fwupdate.Frame, 127),
		timeout:    DefaultServerTimeout * time.Millisecond,
	}
	err := bm.Subscribe(uint32(ClientServiceId)+uint32(nodeId), 0x7FF, false, server)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Handle implements the Bus frame callback
func (s *Server) Handle(frame fwupdate.Frame) {
	if frame.DLC != 8 {
		return
	}
	select {
	case s.rx <- frame:
	default:
		// Queue full, drop the frame
	}
}

// Process runs the server until the context is cancelled. An ongoing
// segmented transfer that stalls longer than the server timeout is
// aborted.
func (s *Server) Process(ctx context.Context) error {
	s.logger.Info("starting processing")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.rx:
			s.processRequest(frame)
		case <-time.After(s.timeout):
			if s.state != stateIdle {
				s.logger.Warn("transfer timed out")
				s.txAbort(AbortTimeout)
			}
		}
	}
}

func (s *Server) processRequest(frame fwupdate.Frame) {
	cmd := frame.Data[0]
	if cmd == csAbort {
		if s.state != stateIdle {
			abort := Abort(binary.LittleEndian.Uint32(frame.Data[4:]))
			s.logger.Warn("client aborted transfer",
				"code", fmt.Sprintf("x%x", uint32(abort)),
				"description", abort.Description(),
			)
			s.reset()
		}
		return
	}

	switch s.state {
	case stateIdle:
		switch {
		case cmd&0xE0 == 0x20:
			s.rxDownloadInitiate(frame)
		case cmd == csUploadInitiate:
			s.rxUploadInitiate(frame)
		default:
			s.index = binary.LittleEndian.Uint16(frame.Data[1:3])
			s.subindex = frame.Data[3]
			s.txAbort(AbortCmd)
		}
	case stateDownloadSegment:
		s.rxDownloadSegment(frame)
	case stateUploadSegment:
		s.rxUploadSegment(frame)
	}
}

func (s *Server) rxDownloadInitiate(frame fwupdate.Frame) {
	cmd := frame.Data[0]
	s.index = binary.LittleEndian.Uint16(frame.Data[1:3])
	s.subindex = frame.Data[3]

	if cmd&0x02 != 0 {
		// Expedited, data is part of the initiate frame
		count := 4
		if cmd&0x01 != 0 {
			count = 4 - int((cmd>>2)&0x03)
		}
		err := s.store.WriteObject(s.index, s.subindex, frame.Data[4:4+count])
		if err != nil {
			s.txAbort(toAbort(err))
			return
		}
		s.txDownloadResponse()
		return
	}
	if cmd&0x01 == 0 {
		s.txAbort(AbortCmd)
		return
	}
	s.sizeIndicated = binary.LittleEndian.Uint32(frame.Data[4:])
	if s.sizeIndicated > maxTransferSize {
		s.txAbort(AbortOutOfMem)
		return
	}
	s.state = stateDownloadSegment
	s.toggle = 0
	s.buffer = make([]byte, 0, s.sizeIndicated)
	s.txDownloadResponse()
}

func (s *Server) rxDownloadSegment(frame fwupdate.Frame) {
	cmd := frame.Data[0]
	if cmd&0xE0 != 0x00 {
		s.txAbort(AbortCmd)
		return
	}
	if cmd&0x10 != s.toggle<<4 {
		s.txAbort(AbortToggleBit)
		return
	}
	count := 7 - int((cmd>>1)&0x07)
	s.buffer = append(s.buffer, frame.Data[1:1+count]...)
	if uint32(len(s.buffer)) > s.sizeIndicated {
		s.txAbort(AbortDataLong)
		return
	}

	resp := s.newResponse()
	resp.Data[0] = 0x20 | s.toggle<<4
	s.toggle ^= 1

	if cmd&0x01 == 0 {
		_ = s.Send(resp)
		return
	}
	// Last segment, hand the full buffer to the store
	if uint32(len(s.buffer)) < s.sizeIndicated {
		s.txAbort(AbortDataShort)
		return
	}
	err := s.store.WriteObject(s.index, s.subindex, s.buffer)
	s.reset()
	if err != nil {
		s.txAbort(toAbort(err))
		return
	}
	_ = s.Send(resp)
}

func (s *Server) rxUploadInitiate(frame fwupdate.Frame) {
	s.index = binary.LittleEndian.Uint16(frame.Data[1:3])
	s.subindex = frame.Data[3]
	data, err := s.store.ReadObject(s.index, s.subindex)
	if err != nil {
		s.txAbort(toAbort(err))
		return
	}
	resp := s.newResponse()
	binary.LittleEndian.PutUint16(resp.Data[1:], s.index)
	resp.Data[3] = s.subindex
	if len(data) <= 4 {
		resp.Data[0] = csUploadInitiate | uint8(4-len(data))<<2 | 0x03
		copy(resp.Data[4:], data)
		_ = s.Send(resp)
		return
	}
	resp.Data[0] = csUploadInitiate | 0x01
	binary.LittleEndian.PutUint32(resp.Data[4:], uint32(len(data)))
	s.state = stateUploadSegment
	s.toggle = 0
	s.uploadData = data
	s.uploadOffset = 0
	_ = s.Send(resp)
}

func (s *Server) rxUploadSegment(frame fwupdate.Frame) {
	cmd := frame.Data[0]
	if cmd&0xE0 != csUploadSegmentReq {
		s.txAbort(AbortCmd)
		return
	}
	if cmd&0x10 != s.toggle<<4 {
		s.txAbort(AbortToggleBit)
		return
	}
	count := len(s.uploadData) - s.uploadOffset
	if count > 7 {
		count = 7
	}
	resp := s.newResponse()
	resp.Data[0] = s.toggle<<4 | uint8(7-count)<<1
	copy(resp.Data[1:], s.uploadData[s.uploadOffset:s.uploadOffset+count])
	s.uploadOffset += count
	s.toggle ^= 1
	if s.uploadOffset >= len(s.uploadData) {
		resp.Data[0] |= 0x01
		s.reset()
	}
	_ = s.Send(resp)
}

func (s *Server) txDownloadResponse() {
	resp := s.newResponse()
	resp.Data[0] = csDownloadInitiateRsp
	binary.LittleEndian.PutUint16(resp.Data[1:], s.index)
	resp.Data[3] = s.subindex
	_ = s.Send(resp)
}

func (s *Server) txAbort(abort Abort) {
	resp := s.newResponse()
	resp.Data[0] = csAbort
	binary.LittleEndian.PutUint16(resp.Data[1:], s.index)
	resp.Data[3] = s.subindex
	binary.LittleEndian.PutUint32(resp.Data[4:], uint32(abort))
	_ = s.Send(resp)
	s.reset()
}

func (s *Server) newResponse() fwupdate.Frame {
	return fwupdate.NewFrame(uint32(ServerServiceId)+uint32(s.nodeId), 0, 8)
}

func (s *Server) reset() {
	s.state = stateIdle
	s.toggle = 0
	s.buffer = nil
	s.uploadData = nil
	s.uploadOffset = 0
	s.sizeIndicated = 0
}

func toAbort(err error) Abort {
	var abort Abort
	if errors.As(err, &abort) {
		return abort
	}
	return AbortGeneral
}
