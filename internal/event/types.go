package event

import "encoding/json"

// Event types carried on the main stream. The payload schema for each is
// resolved by the schema registry at validation time.
const (
	TypeInitialRequestReceived = "PROJECT.INITIAL_REQUEST_RECEIVED"
	TypeWorkItemDispatched     = "WORK.ITEM_DISPATCHED"
	TypeWorkItemStarted        = "WORK.ITEM_STARTED"
	TypeWorkItemCompleted      = "WORK.ITEM_COMPLETED"
	TypeWorkItemFailed         = "WORK.ITEM_FAILED"
	TypeDeliverablePublished   = "DELIVERABLE.PUBLISHED"
	TypeQuestionCreated        = "QUESTION.CREATED"
	TypeClarificationNeeded    = "CLARIFICATION.NEEDED"
	TypeAnswerSubmitted        = "USER.ANSWER_SUBMITTED"
	TypeBacklogItemUnblocked   = "BACKLOG.ITEM_UNBLOCKED"
)

// InitialRequestPayload starts a workflow for a project.
type InitialRequestPayload struct {
	ProjectID   string `json:"project_id"`
	RequestText string `json:"request_text"`
}

// DispatchPayload hands a READY backlog item to a worker group.
type DispatchPayload struct {
	ProjectID     string         `json:"project_id"`
	BacklogItemID string         `json:"backlog_item_id"`
	ItemType      string         `json:"item_type"`
	AgentTarget   string         `json:"agent_target,omitempty"`
	WorkContext   map[string]any `json:"work_context,omitempty"`
}

// StartedPayload acknowledges that a worker picked up a dispatch.
type StartedPayload struct {
	ProjectID     string `json:"project_id"`
	BacklogItemID string `json:"backlog_item_id"`
	StartedAt     string `json:"started_at,omitempty"`
}

// CompletedPayload carries the evidence a worker accumulated.
type CompletedPayload struct {
	ProjectID     string         `json:"project_id"`
	BacklogItemID string         `json:"backlog_item_id"`
	Evidence      map[string]any `json:"evidence"`
}

// FailedPayload reports a terminal worker failure with its taxonomy category.
type FailedPayload struct {
	ProjectID     string `json:"project_id"`
	BacklogItemID string `json:"backlog_item_id"`
	Reason        string `json:"reason"`
	Category      string `json:"category"`
}

// DeliverablePayload publishes the worker's output object.
type DeliverablePayload struct {
	ProjectID     string         `json:"project_id"`
	BacklogItemID string         `json:"backlog_item_id"`
	Deliverable   map[string]any `json:"deliverable"`
}

// QuestionCreatedPayload announces a new clarification question.
type QuestionCreatedPayload struct {
	ProjectID          string `json:"project_id"`
	QuestionID         string `json:"question_id"`
	BacklogItemID      string `json:"backlog_item_id"`
	QuestionText       string `json:"question_text"`
	ExpectedAnswerType string `json:"expected_answer_type"`
}

// ClarificationPayload blocks an item on missing inputs.
type ClarificationPayload struct {
	ProjectID     string   `json:"project_id"`
	BacklogItemID string   `json:"backlog_item_id"`
	MissingFields []string `json:"missing_fields"`
}

// AnswerPayload closes a question with a normalized answer.
type AnswerPayload struct {
	ProjectID  string `json:"project_id"`
	QuestionID string `json:"question_id"`
	Answer     any    `json:"answer"`
}

// UnblockedPayload signals a BLOCKED -> READY transition.
type UnblockedPayload struct {
	ProjectID     string `json:"project_id"`
	BacklogItemID string `json:"backlog_item_id"`
	QuestionID    string `json:"question_id,omitempty"`
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	return json.Unmarshal(e.Payload, out)
}
