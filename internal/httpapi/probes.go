package httpapi

import (
	"context"
	"errors"

	"github.com/gitfix/gitfix/internal/discovery"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

// DaemonStatus is the /status body served by the discovery daemon.
type DaemonStatus struct {
	DaemonID   string                `json:"daemon_id"`
	Running    bool                  `json:"running"`
	Poll       discovery.PollStats   `json:"poll"`
	Heartbeats []*v1.DaemonHeartbeat `json:"heartbeats"`
}

// DaemonProbe reports readiness and status for the discovery daemon.
type DaemonProbe struct {
	Daemon *discovery.Daemon
	Store  *taskstore.Store
}

func (p *DaemonProbe) Ready(ctx context.Context) error {
	if !p.Daemon.Running() {
		return errors.New("polling loop not running")
	}
	return nil
}

func (p *DaemonProbe) Status(ctx context.Context) (any, error) {
	beats, err := p.Store.ListHeartbeats(ctx)
	if err != nil {
		return nil, err
	}
	return DaemonStatus{
		DaemonID:   p.Daemon.ID(),
		Running:    p.Daemon.Running(),
		Poll:       p.Daemon.Stats(),
		Heartbeats: beats,
	}, nil
}

// QueueDepths mirrors queue.Counts with JSON tags for the status document.
type QueueDepths struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// WorkerStatus is the /status body served by the pipeline worker.
type WorkerStatus struct {
	Pool  queue.WorkerStats `json:"pool"`
	Queue QueueDepths       `json:"queue"`
}

// WorkerProbe reports readiness and status for the pipeline worker.
type WorkerProbe struct {
	Worker *queue.Worker
	Queue  *queue.Queue
}

func (p *WorkerProbe) Ready(ctx context.Context) error {
	if !p.Worker.Stats().Running {
		return errors.New("worker pool not running")
	}
	return nil
}

func (p *WorkerProbe) Status(ctx context.Context) (any, error) {
	counts, err := p.Queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return WorkerStatus{
		Pool: p.Worker.Stats(),
		Queue: QueueDepths{
			Waiting: counts.Waiting,
			Active:  counts.Active,
			Delayed: counts.Delayed,
			Failed:  counts.Failed,
		},
	}, nil
}
