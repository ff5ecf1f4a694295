// internal/domain/handles.go
package domain

import "fmt"

// WorkerHandle identifies one worker slot on one node. It is comparable and
// is used as a map and queue key; a restarted worker keeps its handle.
type WorkerHandle struct {
	NodeID   string `json:"node_id"`
	WorkerID int    `json:"worker_id"`
}

func (h WorkerHandle) String() string {
	return fmt.Sprintf("%s/worker-%d", h.NodeID, h.WorkerID)
}

// IsZero reports whether h is the zero handle.
func (h WorkerHandle) IsZero() bool {
	return h == WorkerHandle{}
}

// DispatcherHandle identifies one activation of the dispatcher. Instance is
// fresh on every election win, so a dispatcher re-elected on the same node is
// still a different dispatcher. Addr is the hosting node's gRPC address.
type DispatcherHandle struct {
	NodeID   string `json:"node_id"`
	Instance string `json:"instance"`
	Addr     string `json:"addr"`
}

func (h DispatcherHandle) String() string {
	return fmt.Sprintf("%s/dispatcher/%s", h.NodeID, h.Instance)
}

// IsZero reports whether h is the zero handle.
func (h DispatcherHandle) IsZero() bool {
	return h == DispatcherHandle{}
}
