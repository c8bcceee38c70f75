package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

func TestPublisherStoresOutcomes(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), ruc.Outcome{
		ID: "20131312955", Kind: ruc.OutcomeFound, Name: "FULL NAME SAC",
	})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), ruc.Outcome{
		ID: "20600055519", Kind: ruc.OutcomeNotFound,
	})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "20131312955" || msgs[1].ID != "20600055519" {
		t.Fatalf("ids not recorded correctly: %+v", msgs)
	}

	msgs[0].ID = "modified"
	if pub.Messages()[0].ID == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), ruc.Outcome{ID: "20131312955", Kind: ruc.OutcomeNotFound}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), ruc.Outcome{ID: "20131312955", Kind: ruc.OutcomeNotFound}); err != nil {
		t.Fatalf("expected publish to recover, got %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("expected 1 recorded message, got %d", len(pub.Messages()))
	}
}
