package connector_test

import (
	"context"
	"errors"
	"testing"

	"github.com/becomeliminal/grove/connector"
	"github.com/becomeliminal/grove/core"
)

type recordingSink struct {
	saved []core.Deliverable
}

func (s *recordingSink) Save(ctx context.Context, d core.Deliverable) error {
	s.saved = append(s.saved, d)
	return nil
}

func TestRegistry_Dispatch(t *testing.T) {
	sink := &recordingSink{}
	reg := connector.Defaults(sink)

	for _, at := range []core.ActionType{core.ActionSearch, core.ActionVisit, core.ActionSave} {
		c, err := reg.Resolve(at)
		if err != nil {
			t.Fatalf("Failed to resolve %s: %v", at, err)
		}
		if c.Name() != string(at) {
			t.Errorf("Resolve(%s).Name() = %s", at, c.Name())
		}
	}

	_, err := reg.Resolve(core.ActionType("teleport"))
	var cerr *core.ConnectorError
	if !errors.As(err, &cerr) || cerr.Kind != core.ErrKindUnsupported {
		t.Fatalf("Unknown action type should be unsupported, got %v", err)
	}
}

func TestTarget(t *testing.T) {
	cases := []struct {
		action core.Action
		want   string
	}{
		{core.Action{Type: core.ActionVisit, URL: "https://docs.example.com/page?x=1"}, "docs.example.com"},
		{core.Action{Type: core.ActionVisit, URL: "garbage"}, "garbage"},
		{core.Action{Type: core.ActionSearch, Query: "q"}, "html.duckduckgo.com"},
		{core.Action{Type: core.ActionSave, Content: "c"}, ""},
	}
	for _, tc := range cases {
		if got := connector.Target(tc.action); got != tc.want {
			t.Errorf("Target(%+v) = %q, want %q", tc.action, got, tc.want)
		}
	}
}

func TestSave_StoresDeliverable(t *testing.T) {
	sink := &recordingSink{}
	save := connector.NewSave(sink)

	ctx := connector.WithNodeID(context.Background(), "n0042")
	obs, err := save.Execute(ctx, core.Action{Type: core.ActionSave, Content: "final report body"})
	if err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	if len(sink.saved) != 1 {
		t.Fatalf("Sink holds %d deliverables, want 1", len(sink.saved))
	}
	d := sink.saved[0]
	if d.Content != "final report body" {
		t.Errorf("Content = %q", d.Content)
	}
	if d.NodeID != "n0042" {
		t.Errorf("NodeID = %q, want n0042", d.NodeID)
	}
	if d.ID == "" || obs.Ack != d.ID {
		t.Errorf("Ack %q should be the deliverable id %q", obs.Ack, d.ID)
	}
}

func TestSave_RequiresContent(t *testing.T) {
	save := connector.NewSave(&recordingSink{})
	_, err := save.Execute(context.Background(), core.Action{Type: core.ActionSave, Content: "   "})

	var cerr *core.ConnectorError
	if !errors.As(err, &cerr) || cerr.Kind != core.ErrKindInvalid {
		t.Fatalf("Blank content should be invalid, got %v", err)
	}
}
