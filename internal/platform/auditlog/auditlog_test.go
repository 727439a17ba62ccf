package auditlog

import (
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func chain(t *testing.T, n int) []domain.AuditEvent {
	t.Helper()
	prev := Genesis
	var out []domain.AuditEvent
	for i := 0; i < n; i++ {
		event, err := Seal(prev, domain.AuditEvent{
			Actor:        " alice ",
			Action:       "application.deployed",
			ResourceType: "application",
			ResourceID:   "ns1/shop",
			Payload:      domain.Metadata{"artifact": "ns1:shop:1.0.0", "n": i},
		}, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		event.EventID = int64(i + 1)
		out = append(out, event)
		prev = event.Digest
	}
	return out
}

func TestSealNormalizesAndLinks(t *testing.T) {
	events := chain(t, 2)
	if events[0].Actor != "alice" || events[0].PrevDigest != Genesis {
		t.Fatalf("first event=%+v", events[0])
	}
	if events[1].PrevDigest != events[0].Digest {
		t.Fatalf("second event not linked to first")
	}
	again, err := Digest(events[1])
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if again != events[1].Digest {
		t.Fatalf("digest not deterministic")
	}
}

func TestSealRejectsIncompleteEvent(t *testing.T) {
	if _, err := Seal(Genesis, domain.AuditEvent{Actor: "a", Action: "b", ResourceType: "c"}, t0); err == nil {
		t.Fatalf("expected missing resource id to fail")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	events := chain(t, 4)
	head, err := Verify(Genesis, events)
	if err != nil {
		t.Fatalf("intact chain: %v", err)
	}
	if head != events[3].Digest {
		t.Fatalf("head=%s, want last digest", head)
	}

	edited := append([]domain.AuditEvent(nil), events...)
	edited[1].Actor = "mallory"
	_, err = Verify(Genesis, edited)
	var chainErr *ChainError
	if !errors.As(err, &chainErr) || chainErr.EventID != 2 {
		t.Fatalf("edit: err=%v, want chain error at event 2", err)
	}

	dropped := append([]domain.AuditEvent{events[0]}, events[2:]...)
	if _, err := Verify(Genesis, dropped); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("drop: err=%v, want broken chain", err)
	}
}

func TestVerifyInPages(t *testing.T) {
	events := chain(t, 5)
	head, err := Verify(Genesis, events[:2])
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if _, err := Verify(head, events[2:]); err != nil {
		t.Fatalf("second page: %v", err)
	}
}
