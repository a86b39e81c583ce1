package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/reasoner"
)

// AnalysisAgent breaks the raw request into requirement lines.
type AnalysisAgent struct{}

func (AnalysisAgent) Target() string           { return "analysis_worker" }
func (AnalysisAgent) RequiredInputs() []string { return []string{"request_text"} }

func (AnalysisAgent) Execute(_ context.Context, task Task) (*Result, error) {
	text, _ := task.WorkContext["request_text"].(string)
	var requirements []string
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == ';' || r == '\n' }) {
		if line = strings.TrimSpace(line); line != "" {
			requirements = append(requirements, line)
		}
	}
	if len(requirements) == 0 {
		requirements = []string{text}
	}
	return &Result{
		Deliverable: map[string]any{"requirements": requirements},
		Evidence:    map[string]any{"requirement_count": len(requirements)},
	}, nil
}

// DevAgent produces the main deliverable. When a reasoner client is
// configured it delegates the drafting; otherwise it falls back to a
// deterministic summary so the pipeline works without the service.
type DevAgent struct {
	Reasoner *reasoner.Client
}

func (DevAgent) Target() string           { return "dev_worker" }
func (DevAgent) RequiredInputs() []string { return []string{"request_text"} }

func (a DevAgent) Execute(ctx context.Context, task Task) (*Result, error) {
	text, _ := task.WorkContext["request_text"].(string)

	output := map[string]any{"draft": fmt.Sprintf("Work for request: %s", text)}
	if a.Reasoner != nil {
		res, err := a.Reasoner.Invoke(ctx, reasoner.Request{
			Operation: "draft_deliverable",
			Inputs:    task.WorkContext,
		})
		if err != nil {
			return nil, err
		}
		output = res.Output
	}
	return &Result{
		Deliverable: output,
		Evidence:    map[string]any{"produced": true, "backlog_item_id": task.BacklogItemID},
	}, nil
}

// ReviewAgent verifies the outcome and writes the closing summary.
type ReviewAgent struct{}

func (ReviewAgent) Target() string           { return "review_worker" }
func (ReviewAgent) RequiredInputs() []string { return []string{"request_text"} }

func (ReviewAgent) Execute(_ context.Context, task Task) (*Result, error) {
	text, _ := task.WorkContext["request_text"].(string)
	summary := fmt.Sprintf("Reviewed outcome for: %s", strings.TrimSpace(text))
	return &Result{
		Deliverable: map[string]any{"summary": summary},
		Evidence:    map[string]any{"reviewed": true},
	}, nil
}

// ByTarget returns the built-in agent serving target, or nil.
func ByTarget(target string, reasonerClient *reasoner.Client) Agent {
	switch target {
	case "analysis_worker":
		return AnalysisAgent{}
	case "dev_worker":
		return DevAgent{Reasoner: reasonerClient}
	case "review_worker":
		return ReviewAgent{}
	default:
		return nil
	}
}
