package fwmaster

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samsamfire/fwupdate/pkg/sdo"
)

// SlaveRecord tracks the progress and final outcome of one node inside
// a campaign
type SlaveRecord struct {
	NodeId     uint8         `json:"nodeId"`
	Outcome    Outcome       `json:"-"`
	OutcomeStr string        `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	BytesSent  uint32        `json:"bytesSent"`
	TotalBytes uint32        `json:"totalBytes"`
	Elapsed    time.Duration `json:"elapsedNs"`
}

// Summary aggregates a finished campaign
type Summary struct {
	Success int
	Skipped int
	Failed  int
	Records []SlaveRecord
}

// Coordinator updates multiple nodes concurrently over one shared
// client. One goroutine runs per node, the bus is shared exchange by
// exchange, a session never holds it for a whole transfer.
type Coordinator struct {
	logger *slog.Logger
	client *sdo.Client

	busMu sync.Mutex

	mu      sync.Mutex
	records map[uint8]*SlaveRecord
}

func NewCoordinator(logger *slog.Logger, client *sdo.Client) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:  logger.With("service", "[COORDINATOR]"),
		client:  client,
		records: make(map[uint8]*SlaveRecord),
	}
}

// Run updates all planned nodes and blocks until every session is done
func (c *Coordinator) Run(ctx context.Context, plans []UploadPlan) Summary {
	c.mu.Lock()
	c.records = make(map[uint8]*SlaveRecord, len(plans))
	for _, plan := range plans {
		c.records[plan.NodeId] = &SlaveRecord{
			NodeId:     plan.NodeId,
			Outcome:    OutcomePending,
			OutcomeStr: OutcomePending.String(),
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]Result, len(plans))
	for i, plan := range plans {
		wg.Add(1)
		go func(i int, plan UploadPlan) {
			defer wg.Done()
			session := NewSession(c.logger, c.client, plan)
			session.busLock = &c.busMu
			session.onProgress = func(sent, total uint32) {
				c.mu.Lock()
				record := c.records[plan.NodeId]
				record.BytesSent = sent
				record.TotalBytes = total
				c.mu.Unlock()
			}
			results[i] = session.Run(ctx)
		}(i, plan)
	}
	wg.Wait()

	summary := Summary{}
	c.mu.Lock()
	for i, plan := range plans {
		result := results[i]
		record := c.records[plan.NodeId]
		record.Outcome = result.Outcome
		record.OutcomeStr = result.Outcome.String()
		record.Reason = result.Reason
		record.BytesSent = result.BytesSent
		record.Elapsed = result.Elapsed
		switch result.Outcome {
		case OutcomeSuccess:
			summary.Success++
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		summary.Records = append(summary.Records, *record)
	}
	c.mu.Unlock()

	c.logger.Info("campaign done",
		"nodes", len(plans),
		"success", summary.Success,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary
}

// Progress returns a snapshot of all node records, usable while a
// campaign is running
func (c *Coordinator) Progress() []SlaveRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]SlaveRecord, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].NodeId < records[j].NodeId })
	return records
}
