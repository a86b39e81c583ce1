// publish is the operator CLI for injecting workflow inputs: the initial
// project request and answers to open clarification questions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/app"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
)

func main() {
	var (
		kind       = flag.String("kind", "request", "event to publish: request or answer")
		projectID  = flag.String("project", "", "project id (generated for requests when empty)")
		text       = flag.String("text", "", "request text (kind=request)")
		questionID = flag.String("question", "", "question id (kind=answer)")
		answer     = flag.String("answer", "", "answer value, raw JSON or plain text (kind=answer)")
	)
	flag.Parse()

	a, err := app.Bootstrap("publish")
	if err != nil {
		slog.Error("[Publish] Bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var env *event.Envelope
	switch *kind {
	case "request":
		if *projectID == "" {
			*projectID = uuid.New().String()
		}
		env, err = event.Build(event.TypeInitialRequestReceived, event.InitialRequestPayload{
			ProjectID:   *projectID,
			RequestText: *text,
		}, "publish-cli")
	case "answer":
		if *projectID == "" || *questionID == "" {
			slog.Error("[Publish] kind=answer requires -project and -question")
			os.Exit(2)
		}
		var value any = *answer
		var decoded any
		if json.Unmarshal([]byte(*answer), &decoded) == nil {
			value = decoded
		}
		env, err = event.Build(event.TypeAnswerSubmitted, event.AnswerPayload{
			ProjectID:  *projectID,
			QuestionID: *questionID,
			Answer:     value,
		}, "publish-cli")
	default:
		slog.Error("[Publish] Unknown kind", "kind", *kind)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("[Publish] Build event failed", "error", err)
		os.Exit(1)
	}

	fields, err := env.Fields()
	if err != nil {
		slog.Error("[Publish] Encode event failed", "error", err)
		os.Exit(1)
	}
	id, err := a.Store.StreamAdd(ctx, a.Cfg.StreamName, fields)
	if err != nil {
		slog.Error("[Publish] Stream add failed", "error", err)
		os.Exit(1)
	}
	slog.Info("[Publish] Event published",
		"kind", *kind, "project_id", *projectID, "event_id", env.EventID, "entry_id", id)
}
