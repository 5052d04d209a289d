package sdo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	fwupdate "github.com/samsamfire/fwupdate"
)

// Client is a blocking SDO client. Each Download or Upload performs the
// complete exchange with the addressed node, one request/response pair at
// a time, and returns once the transfer is done or aborted.
// It is safe for use by multiple goroutines, exchanges are serialized.
type Client struct {
	*fwupdate.BusManager
	logger     *slog.Logger
	mu         sync.Mutex
	rx         chan fwupdate.Frame
	timeout    time.Duration
	subscribed map[uint8]bool
}

// NewClient creates a new SDO client. Subscriptions to server responses
// are added per node on first use.
func NewClient(bm *fwupdate.BusManager, logger *slog.Logger) (*Client, error) {
	if bm == nil {
		return nil, fwupdate.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := &Client{
		BusManager: bm,
		logger:     logger.With("service", "[CLIENT]"),
		rx:         make(chan fwupdate.Frame, 127),
		timeout:    DefaultClientTimeout * time.Millisecond,
		subscribed: make(map[uint8]bool),
	}
	return client, nil
}

// Called with c.mu held
func (c *Client) subscribeServer(nodeId uint8) error {
	if c.subscribed[nodeId] {
		return nil
	}
	err := c.Subscribe(uint32(ServerServiceId)+uint32(nodeId), 0x7FF, false, c)
	if err != nil {
		return err
	}
	c.subscribed[nodeId] = true
	return nil
}

// Handle implements the Bus frame callback, responses are pushed to the
// internal queue and consumed by the active exchange.
func (c *Client) Handle(frame fwupdate.Frame) {
	if frame.DLC != 8 {
		return
	}
	select {
	case c.rx <- frame:
	default:
		// Queue full, drop the frame
	}
}

// SetTimeout changes the timeout of a single request/response exchange
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Download writes data to the given remote object. Transfers of up to
// 4 bytes are expedited, anything longer is segmented.
func (c *Client) Download(ctx context.Context, nodeId uint8, index uint16, subindex uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 || nodeId == 0 || nodeId > 127 {
		return fwupdate.ErrIllegalArgument
	}
	if err := c.subscribeServer(nodeId); err != nil {
		return err
	}
	if len(data) <= 4 {
		return c.downloadExpedited(ctx, nodeId, index, subindex, data)
	}
	return c.downloadSegmented(ctx, nodeId, index, subindex, data)
}

// Upload reads the given remote object into data and returns the number
// of bytes the remote sent. If the object is larger than data, the
// transfer is drained fully but only len(data) bytes are kept, the
// returned count still reflects the full object size.
func (c *Client) Upload(ctx context.Context, nodeId uint8, index uint16, subindex uint8, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nodeId == 0 || nodeId > 127 {
		return 0, fwupdate.ErrIllegalArgument
	}
	if err := c.subscribeServer(nodeId); err != nil {
		return 0, err
	}
	frame := c.newRequest(nodeId, index, subindex)
	frame.Data[0] = csUploadInitiate
	resp, err := c.exchange(ctx, nodeId, frame)
	if err != nil {
		return 0, err
	}
	if (resp.raw[0] & 0xF0) != csUploadInitiate {
		c.txAbort(nodeId, index, subindex, AbortCmd)
		return 0, AbortCmd
	}
	if err := checkObject(resp, index, subindex); err != nil {
		c.txAbort(nodeId, index, subindex, AbortCmd)
		return 0, err
	}
	if resp.raw[0]&0x02 != 0 {
		// Expedited response
		n := 4
		if resp.raw[0]&0x01 != 0 {
			n = 4 - int((resp.raw[0]>>2)&0x03)
		}
		copy(data, resp.raw[4:4+n])
		return n, nil
	}
	return c.uploadSegmented(ctx, nodeId, index, subindex, data)
}

func (c *Client) downloadExpedited(ctx context.Context, nodeId uint8, index uint16, subindex uint8, data []byte) error {
	frame := c.newRequest(nodeId, index, subindex)
	frame.Data[0] = csDownloadExpeditedBase | uint8(4-len(data))<<2
	copy(frame.Data[4:], data)
	resp, err := c.exchange(ctx, nodeId, frame)
	if err != nil {
		return err
	}
	if resp.raw[0] != csDownloadInitiateRsp {
		c.txAbort(nodeId, index, subindex, AbortCmd)
		return AbortCmd
	}
	return checkObject(resp, index, subindex)
}

func (c *Client) downloadSegmented(ctx context.Context, nodeId uint8, index uint16, subindex uint8, data []byte) error {
	frame := c.newRequest(nodeId, index, subindex)
	frame.Data[0] = csDownloadSegmentedHeader
	binary.LittleEndian.PutUint32(frame.Data[4:], uint32(len(data)))
	resp, err := c.exchange(ctx, nodeId, frame)
	if err != nil {
		return err
	}
	if resp.raw[0] != csDownloadInitiateRsp {
		c.txAbort(nodeId, index, subindex, AbortCmd)
		return AbortCmd
	}
	if err := checkObject(resp, index, subindex); err != nil {
		c.txAbort(nodeId, index, subindex, AbortCmd)
		return err
	}

	toggle := uint8(0)
	for offset := 0; offset < len(data); {
		count := len(data) - offset
		if count > 7 {
			count = 7
		}
		segment := fwupdate.NewFrame(uint32(ClientServiceId)+uint32(nodeId), 0, 8)
		segment.Data[0] = toggle<<4 | uint8(7-count)<<1
		if offset+count >= len(data) {
			segment.Data[0] |= 0x01
		}
		copy(segment.Data[1:], data[offset:offset+count])
		resp, err := c.exchange(ctx, nodeId, segment)
		if err != nil {
			return err
		}
		if resp.raw[0]&0xEF != 0x20 {
			c.txAbort(nodeId, index, subindex, AbortCmd)
			return AbortCmd
		}
		if resp.GetToggle() != toggle<<4 {
			c.txAbort(nodeId, index, subindex, AbortToggleBit)
			return AbortToggleBit
		}
		toggle ^= 1
		offset += count
	}
	return nil
}

func (c *Client) uploadSegmented(ctx context.Context, nodeId uint8, index uint16, subindex uint8, data []byte) (int, error) {
	toggle := uint8(0)
	read := 0
	for {
		frame := fwupdate.NewFrame(uint32(ClientServiceId)+uint32(nodeId), 0, 8)
		frame.Data[0] = csUploadSegmentReq | toggle<<4
		resp, err := c.exchange(ctx, nodeId, frame)
		if err != nil {
			return read, err
		}
		if resp.raw[0]&0xE0 != 0x00 {
			c.txAbort(nodeId, index, subindex, AbortCmd)
			return read, AbortCmd
		}
		if resp.GetToggle() != toggle<<4 {
			c.txAbort(nodeId, index, subindex, AbortToggleBit)
			return read, AbortToggleBit
		}
		toggle ^= 1
		count := 7 - int((resp.raw[0]>>1)&0x07)
		if read < len(data) {
			copy(data[read:], resp.raw[1:1+count])
		}
		read += count
		if resp.raw[0]&0x01 != 0 {
			return read, nil
		}
	}
}

// Send a request and wait for the matching server response. Stale
// responses of a previous exchange are drained first.
func (c *Client) exchange(ctx context.Context, nodeId uint8, frame fwupdate.Frame) (response, error) {
	for len(c.rx) > 0 {
		<-c.rx
	}
	err := c.Send(frame)
	if err != nil {
		return response{}, err
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return response{}, ctx.Err()
		case <-timer.C:
			c.logger.Warn("no response", "nodeId", nodeId)
			return response{}, AbortTimeout
		case rx := <-c.rx:
			if rx.ID != uint32(ServerServiceId)+uint32(nodeId) {
				continue
			}
			resp := response{raw: rx.Data}
			if resp.IsAbort() {
				abort := resp.GetAbortCode()
				c.logger.Warn("received abort",
					"nodeId", nodeId,
					"code", fmt.Sprintf("x%x", uint32(abort)),
					"description", abort.Description(),
				)
				return resp, abort
			}
			return resp, nil
		}
	}
}

func (c *Client) newRequest(nodeId uint8, index uint16, subindex uint8) fwupdate.Frame {
	frame := fwupdate.NewFrame(uint32(ClientServiceId)+uint32(nodeId), 0, 8)
	binary.LittleEndian.PutUint16(frame.Data[1:], index)
	frame.Data[3] = subindex
	return frame
}

func (c *Client) txAbort(nodeId uint8, index uint16, subindex uint8, abort Abort) {
	frame := c.newRequest(nodeId, index, subindex)
	frame.Data[0] = csAbort
	binary.LittleEndian.PutUint32(frame.Data[4:], uint32(abort))
	_ = c.Send(frame)
}

// checkObject verifies that a response echoes the requested object
func checkObject(resp response, index uint16, subindex uint8) error {
	if resp.GetIndex() != index || resp.GetSubindex() != subindex {
		return AbortGeneral
	}
	return nil
}
