package connector

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/grove/core"
)

// DeliverableSink receives artifacts produced by save actions. The
// engine injects a run-scoped sink and surfaces its contents on the run
// outcome for downstream validation.
type DeliverableSink interface {
	Save(ctx context.Context, d core.Deliverable) error
}

// Save persists content through the sink and acknowledges it.
type Save struct {
	sink DeliverableSink
}

// NewSave creates a save connector writing to sink.
func NewSave(sink DeliverableSink) *Save {
	return &Save{sink: sink}
}

func (s *Save) Name() string { return "save" }

// Execute stores the action content as a deliverable. The executing node
// id, when present on the context, is attached for attribution.
func (s *Save) Execute(ctx context.Context, action core.Action) (*core.Observation, error) {
	content := strings.TrimSpace(action.Content)
	if content == "" {
		return nil, invalidActionError("save requires content")
	}
	if s.sink == nil {
		return nil, &core.ConnectorError{Kind: core.ErrKindUnsupported, Message: "no deliverable sink configured"}
	}

	d := core.Deliverable{
		ID:      uuid.NewString(),
		NodeID:  NodeIDFrom(ctx),
		Content: content,
		SavedAt: time.Now(),
	}
	if err := s.sink.Save(ctx, d); err != nil {
		return nil, &core.ConnectorError{Kind: core.ErrKindHTTP, Message: "sink rejected deliverable", Err: err}
	}

	ack := fmt.Sprintf("saved deliverable %s (%d bytes)", d.ID, len(content))
	log.Printf("[SAVE] %s (node %s)", ack, d.NodeID)
	return &core.Observation{Content: ack, Ack: d.ID}, nil
}
