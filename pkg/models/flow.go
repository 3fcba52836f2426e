package models

import "time"

// FlowStatus is the lifecycle state of a FlowDefinition.
type FlowStatus string

const (
	FlowStatusDraft     FlowStatus = "draft"
	FlowStatusPublished FlowStatus = "published"
	FlowStatusArchived  FlowStatus = "archived"
)

// NodeType names a flow node kind.
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeMessage      NodeType = "message"
	NodeTemplate     NodeType = "template"
	NodeDelay        NodeType = "delay"
	NodeCondition    NodeType = "condition"
	NodeAPICall      NodeType = "api_call"
	NodeAddTag       NodeType = "add_tag"
	NodeRemoveTag    NodeType = "remove_tag"
	NodeSetVariable  NodeType = "set_variable"
	NodeWaitForReply NodeType = "wait_for_reply"
	NodeEnd          NodeType = "end"
)

// Edge handles with a routing meaning.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleReply   = "reply"
	HandleTimeout = "timeout"
)

// Position is the editor position of a node. It has no execution meaning.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the label and type-specific configuration of a node.
type NodeData struct {
	Label  string         `json:"label"`
	Config map[string]any `json:"config,omitempty"`
}

// FlowNode is one step of a flow graph.
type FlowNode struct {
	ID       string   `json:"id"       validate:"required"`
	Type     NodeType `json:"type"     validate:"required"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Label returns the node label or its id.
func (n *FlowNode) Label() string {
	if n.Data.Label != "" {
		return n.Data.Label
	}

	return n.ID
}

// FlowEdge connects two nodes. SourceHandle selects condition branches, Condition guards the
// edge for every other node type.
type FlowEdge struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"                 validate:"required"`
	Target       string          `json:"target"                 validate:"required"`
	SourceHandle string          `json:"sourceHandle,omitempty"`
	Condition    *ConditionGroup `json:"condition,omitempty"`
}

// FlowSettings declares execution policy for instances.
type FlowSettings struct {
	RetryOnFailure bool `json:"retryOnFailure"`
	MaxRetries     int  `json:"maxRetries"`
	TimeoutMinutes int  `json:"timeoutMinutes,omitempty"`
}

// FlowCounters are aggregate instance counters, adjusted once per state transition.
type FlowCounters struct {
	TotalInstances     int64 `json:"totalInstances"`
	ActiveInstances    int64 `json:"activeInstances"`
	CompletedInstances int64 `json:"completedInstances"`
	FailedInstances    int64 `json:"failedInstances"`
}

// FlowCounterDelta is an increment applied to FlowCounters.
type FlowCounterDelta struct {
	Total     int64
	Active    int64
	Completed int64
	Failed    int64
}

// Apply adds the delta to the counters.
func (c *FlowCounters) Apply(d FlowCounterDelta) {
	c.TotalInstances += d.Total
	c.ActiveInstances += d.Active
	c.CompletedInstances += d.Completed
	c.FailedInstances += d.Failed
}

// FlowDefinition is an authored flow graph.
type FlowDefinition struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      FlowStatus   `json:"status"`
	Version     int          `json:"version"`
	Nodes       []FlowNode   `json:"nodes"`
	Edges       []FlowEdge   `json:"edges"`
	Settings    FlowSettings `json:"settings"`
	Counters    FlowCounters `json:"counters"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	PublishedAt *time.Time   `json:"publishedAt,omitempty"`
}

// FlowVersion is the immutable graph captured when a definition is published.
type FlowVersion struct {
	FlowID      string       `json:"flowId"`
	Version     int          `json:"version"`
	Nodes       []FlowNode   `json:"nodes"`
	Edges       []FlowEdge   `json:"edges"`
	Settings    FlowSettings `json:"settings"`
	PublishedAt time.Time    `json:"publishedAt"`
}

// Node looks up a node by id.
func (v *FlowVersion) Node(id string) (*FlowNode, bool) {
	for i := range v.Nodes {
		if v.Nodes[i].ID == id {
			return &v.Nodes[i], true
		}
	}

	return nil, false
}

// StartNode returns the single start node.
func (v *FlowVersion) StartNode() (*FlowNode, bool) {
	for i := range v.Nodes {
		if v.Nodes[i].Type == NodeStart {
			return &v.Nodes[i], true
		}
	}

	return nil, false
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (v *FlowVersion) Outgoing(nodeID string) []FlowEdge {
	var edges []FlowEdge

	for _, e := range v.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}

	return edges
}

// InstanceStatus is the state of a FlowInstance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceWaiting   InstanceStatus = "waiting"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsActive reports whether the instance still counts as active on its definition.
func (s InstanceStatus) IsActive() bool {
	return s == InstanceRunning || s == InstanceWaiting || s == InstancePaused
}

// WaitingFor values.
const (
	WaitingForTimer = "timer"
	WaitingForReply = "reply"
)

// NodeRunStatus is the status of one nodeHistory entry.
type NodeRunStatus string

const (
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunWaiting   NodeRunStatus = "waiting"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
)

// NodeHistoryEntry is one append-only trace record of a node visit.
type NodeHistoryEntry struct {
	NodeID    string         `json:"nodeId"`
	NodeType  NodeType       `json:"nodeType"`
	EnteredAt time.Time      `json:"enteredAt"`
	ExitedAt  *time.Time     `json:"exitedAt,omitempty"`
	Status    NodeRunStatus  `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// FlowInstance is one walk of a published flow version.
type FlowInstance struct {
	ID            string             `json:"id"`
	FlowID        string             `json:"flowId"`
	FlowVersion   int                `json:"flowVersion"`
	UserID        string             `json:"userId"`
	ContactID     string             `json:"contactId,omitempty"`
	Status        InstanceStatus     `json:"status"`
	CurrentNodeID string             `json:"currentNodeId"`
	Variables     map[string]any     `json:"variables"`
	NodeHistory   []NodeHistoryEntry `json:"nodeHistory"`
	WaitingUntil  *time.Time         `json:"waitingUntil,omitempty"`
	WaitingFor    string             `json:"waitingFor,omitempty"`
	Error         string             `json:"error,omitempty"`
	RetryCount    int                `json:"retryCount"`
	StartedAt     time.Time          `json:"startedAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
	// Revision counts stored writes. The store bumps it on every update.
	Revision int64 `json:"revision"`
}

// LastEntry returns the latest history entry.
func (i *FlowInstance) LastEntry() *NodeHistoryEntry {
	if len(i.NodeHistory) == 0 {
		return nil
	}

	return &i.NodeHistory[len(i.NodeHistory)-1]
}
