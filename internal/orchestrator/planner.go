package orchestrator

import (
	"github.com/google/uuid"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/state"
)

// ItemTypeAgentTask is the backlog item type executed by agent workers.
const ItemTypeAgentTask = "AGENT_TASK"

// Planner turns an initial request into a project backlog. Implementations
// must return at least one item; items come back in CREATED status.
type Planner interface {
	Plan(projectID, requestText string) []*backlog.Item
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(projectID, requestText string) []*backlog.Item

// Plan implements Planner.
func (f PlannerFunc) Plan(projectID, requestText string) []*backlog.Item { return f(projectID, requestText) }

// DefaultPlanner produces the standard three-step backlog: analyse the
// request, do the work, then verify and summarize the outcome.
func DefaultPlanner() Planner {
	return PlannerFunc(func(projectID, requestText string) []*backlog.Item {
		steps := []struct {
			title       string
			description string
			agent       string
		}{
			{"Analyse request", "Break the request down into concrete requirements.", "analysis_worker"},
			{"Execute work", "Produce the main deliverable for the request.", "dev_worker"},
			{"Verify outcome", "Check the deliverable against the requirements and summarize.", "review_worker"},
		}
		items := make([]*backlog.Item, 0, len(steps))
		for _, s := range steps {
			items = append(items, &backlog.Item{
				ID:          uuid.New().String(),
				ProjectID:   projectID,
				ItemType:    ItemTypeAgentTask,
				Title:       s.title,
				Description: s.description,
				Status:      state.StatusCreated,
				AgentTarget: s.agent,
				WorkContext: map[string]any{"request_text": requestText},
			})
		}
		return items
	})
}
