// internal/domain/broadcaster.go
package domain

import "context"

// Well-known discovery channel topics.
const (
	TopicDispatcher = "dispatcher"
	TopicWorker     = "worker"
)

// Broadcaster is the cluster-wide publish/subscribe channel. Delivery is
// at-least-once and unordered across publishers.
type Broadcaster interface {
	// Publish sends msg to every subscriber of topic, on every node.
	Publish(ctx context.Context, topic string, msg any) error
	// Subscribe registers handler for topic until ctx is done. Messages
	// published after Subscribe returns are delivered. handler must not block.
	Subscribe(ctx context.Context, topic string, handler func(msg any)) error
}

// WorkerMessenger delivers instructions to workers wherever they live. It
// must not block the caller; an error means the message was not sent at all.
type WorkerMessenger interface {
	SendExecuteJob(worker WorkerHandle, job ExecuteJob) error
}

// JobSubmitter accepts new jobs on behalf of the dispatcher.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, name string) (JobAccepted, error)
}
