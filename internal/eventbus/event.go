package eventbus

import "github.com/transcribeorch/orchestrator/internal/task"

// EventType distinguishes the three wire shapes of spec.md §4.6, plus an
// internal compaction notice sent when a subscriber's ring has dropped
// events.
type EventType string

const (
	EventTaskUpdate        EventType = "task_update"
	EventDownloadProgress  EventType = "download_progress"
	EventHeartbeat         EventType = "heartbeat"
	EventCompaction        EventType = "compaction"
)

// Event is anything the bus can fan out. TaskID groups events for the
// per-task in-order delivery guarantee of spec.md §4.6.
type Event interface {
	Type() EventType
	TaskID() string
}

// TaskUpdate mirrors spec.md §4.6's task_update wire shape.
type TaskUpdate struct {
	ID         string
	Status     task.Status
	Progress   int
	Message    string
	Model      string
	Language   string
	Files      int
	CreatedAt  int64 // unix millis
	StartTime  int64
	EndTime    int64
	RetryCount int
	ErrorKind  string
	ErrorMsg   string
}

func (TaskUpdate) Type() EventType   { return EventTaskUpdate }
func (e TaskUpdate) TaskID() string  { return e.ID }

// DownloadProgress mirrors spec.md §4.6's download_progress wire shape.
// Progress: -1 = failed, 0..99 in flight, 100 = done.
type DownloadProgress struct {
	TaskID_   string
	ModelName string
	Progress  int
	Message   string
}

func (DownloadProgress) Type() EventType  { return EventDownloadProgress }
func (e DownloadProgress) TaskID() string { return e.TaskID_ }

// Heartbeat mirrors spec.md §4.6's heartbeat wire shape. It carries no
// task id; consumers key on Type() alone.
type Heartbeat struct {
	ServerTS int64 // unix millis
}

func (Heartbeat) Type() EventType  { return EventHeartbeat }
func (Heartbeat) TaskID() string   { return "" }

// Compaction notifies a client that one or more non-heartbeat events
// were dropped from its ring due to back-pressure (spec.md §4.6,
// "Ordering").
type Compaction struct {
	Dropped int
}

func (Compaction) Type() EventType { return EventCompaction }
func (Compaction) TaskID() string  { return "" }
