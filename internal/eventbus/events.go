package eventbus

// Topic names an Event Bus channel (§4.8, §6.4).
type Topic string

const (
	TopicTaskUpdated    Topic = "task.updated"
	TopicAgentStarted   Topic = "agent.started"
	TopicAgentOutput    Topic = "agent.output"
	TopicAgentCompleted Topic = "agent.completed"
	TopicMergeStarted   Topic = "merge.started"
	TopicMergeCompleted Topic = "merge.completed"
	TopicHILRequest     Topic = "hil.request"
	TopicExecuteStatus  Topic = "execute.status"
)

// Event is an envelope carrying a Topic and its schema'd payload. Payload
// types are defined alongside the component that emits them so the bus
// itself stays schema-agnostic.
type Event struct {
	Topic   Topic
	Payload any
}

// TaskUpdated is the payload for TopicTaskUpdated.
type TaskUpdated struct {
	TaskID      string
	Status      string
	Assignee    string `json:"assignee,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	BlockReason string `json:"blockReason,omitempty"`
}

// AgentStarted is the payload for TopicAgentStarted.
type AgentStarted struct {
	TaskID    string
	Role      string
	Attempt   int
	StartedAt int64
}

// AgentOutput is the payload for TopicAgentOutput. It is high-frequency and
// chunked; subscribers that can't keep up are dropped (§4.8).
type AgentOutput struct {
	TaskID string
	Chunk  string
}

// AgentCompleted is the payload for TopicAgentCompleted.
type AgentCompleted struct {
	TaskID      string
	Status      string
	TestResults string `json:"testResults,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// MergeStarted is the payload for TopicMergeStarted.
type MergeStarted struct {
	TaskID string
}

// MergeCompleted is the payload for TopicMergeCompleted.
type MergeCompleted struct {
	TaskID    string
	Success   bool
	FixEpicID string `json:"fixEpicId,omitempty"`
}

// ExecuteStatus is the payload for TopicExecuteStatus.
type ExecuteStatus struct {
	ActiveTasks      []string
	QueueDepth       int
	AwaitingApproval int
	TotalDone        int
	TotalFailed      int
}

// HILRequest is the payload for TopicHILRequest.
type HILRequest struct {
	RequestID   string
	Category    string
	Description string
	Options     []string
	Blocking    bool
}
