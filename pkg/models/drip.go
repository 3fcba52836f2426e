package models

import "time"

// CampaignStatus is the lifecycle state of a DripCampaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignArchived  CampaignStatus = "archived"
)

// DripStep is one message of a campaign. DayOffset is counted from enrollment.
type DripStep struct {
	ID              string          `json:"id"`
	Order           int             `json:"order"`
	DayOffset       int             `json:"dayOffset"              validate:"min=0"`
	TimeOfDay       string          `json:"timeOfDay,omitempty"`
	MessageType     MessageType     `json:"messageType"            validate:"required"`
	Content         MessageContent  `json:"content"`
	SkipIfReplied   bool            `json:"skipIfReplied"`
	SkipIfConverted bool            `json:"skipIfConverted"`
	Conditions      *ConditionGroup `json:"conditions,omitempty"`
}

// CampaignSettings declare enrollment and exit policy.
type CampaignSettings struct {
	AllowReEntry      bool `json:"allowReEntry"`
	ReEntryDelayDays  int  `json:"reEntryDelayDays"`
	StopOnReply       bool `json:"stopOnReply"`
	StopOnConversion  bool `json:"stopOnConversion"`
	MaxContactsPerDay int  `json:"maxContactsPerDay"`
}

// CampaignSchedule is the default send time and the campaign clock.
type CampaignSchedule struct {
	StartTime string `json:"startTime,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// CampaignMetrics are monotonic aggregate counters, except the active gauge which is
// rebalanced on every terminal transition.
type CampaignMetrics struct {
	TotalEnrolled     int64 `json:"totalEnrolled"`
	ActiveContacts    int64 `json:"activeContacts"`
	CompletedContacts int64 `json:"completedContacts"`
	ExitedContacts    int64 `json:"exitedContacts"`
	TotalSent         int64 `json:"totalSent"`
	TotalDelivered    int64 `json:"totalDelivered"`
	TotalRead         int64 `json:"totalRead"`
	TotalReplied      int64 `json:"totalReplied"`
	TotalConverted    int64 `json:"totalConverted"`
	TotalFailed       int64 `json:"totalFailed"`
}

// Apply adds delta to the metrics.
func (m *CampaignMetrics) Apply(d CampaignMetrics) {
	m.TotalEnrolled += d.TotalEnrolled
	m.ActiveContacts += d.ActiveContacts
	m.CompletedContacts += d.CompletedContacts
	m.ExitedContacts += d.ExitedContacts
	m.TotalSent += d.TotalSent
	m.TotalDelivered += d.TotalDelivered
	m.TotalRead += d.TotalRead
	m.TotalReplied += d.TotalReplied
	m.TotalConverted += d.TotalConverted
	m.TotalFailed += d.TotalFailed
}

// DripCampaign is a linear, time-offset sequence of messages.
type DripCampaign struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      CampaignStatus   `json:"status"`
	Steps       []DripStep       `json:"steps"`
	Settings    CampaignSettings `json:"settings"`
	Schedule    CampaignSchedule `json:"schedule"`
	Metrics     CampaignMetrics  `json:"metrics"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Location is the campaign clock.
func (c *DripCampaign) Location() *time.Location {
	return LoadLocation(c.Schedule.Timezone)
}

// RunStatus is the state of a DripRun.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunExited    RunStatus = "exited"
	RunFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunExited || s == RunFailed
}

// Exit reasons.
const (
	ExitCompleted  = "completed"
	ExitConverted  = "converted"
	ExitReplied    = "replied"
	ExitUnenrolled = "unenrolled"
	ExitCampaign   = "campaign_stopped"
	ExitNoContact  = "contact_not_found"
)

// StepStatus is the status of one stepHistory entry.
type StepStatus string

const (
	StepSent      StepStatus = "sent"
	StepDelivered StepStatus = "delivered"
	StepRead      StepStatus = "read"
	StepReplied   StepStatus = "replied"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepHistoryEntry is an append-only record of one step attempt.
type StepHistoryEntry struct {
	StepIndex   int        `json:"stepIndex"`
	StepID      string     `json:"stepId,omitempty"`
	Status      StepStatus `json:"status"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// DripRun is one enrollment of a contact in a campaign. (CampaignID, ContactID) is unique.
type DripRun struct {
	ID                  string             `json:"id"`
	CampaignID          string             `json:"campaignId"`
	ContactID           string             `json:"contactId"`
	UserID              string             `json:"userId"`
	Status              RunStatus          `json:"status"`
	CurrentStepIndex    int                `json:"currentStepIndex"`
	NextStepScheduledAt *time.Time         `json:"nextStepScheduledAt,omitempty"`
	StepHistory         []StepHistoryEntry `json:"stepHistory"`
	Replied             bool               `json:"replied"`
	Converted           bool               `json:"converted"`
	EntryCount          int                `json:"entryCount"`
	EnrolledAt          time.Time          `json:"enrolledAt"`
	CompletedAt         *time.Time         `json:"completedAt,omitempty"`
	ExitedAt            *time.Time         `json:"exitedAt,omitempty"`
	ExitReason          string             `json:"exitReason,omitempty"`
	UpdatedAt           time.Time          `json:"updatedAt"`
	// Revision counts stored writes. The store bumps it on every update.
	Revision int64 `json:"revision"`
}
