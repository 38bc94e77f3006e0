package models

import "testing"

func TestMethodValid(t *testing.T) {
	for _, m := range []Method{MethodCreate, MethodUpdate, MethodDelete} {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if Method("PATCH").Valid() {
		t.Error("PATCH should not be a valid method")
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() >= PriorityNormal.Rank() || PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Errorf("priority ranks out of order: high=%d normal=%d low=%d",
			PriorityHigh.Rank(), PriorityNormal.Rank(), PriorityLow.Rank())
	}
}

func TestDedupKey(t *testing.T) {
	op := &Operation{Method: MethodUpdate, Endpoint: "/patients/p1", IdempotencyKey: "k-1"}
	if got := op.DedupKey(); got != "/patients/p1|UPDATE|k-1" {
		t.Errorf("unexpected dedup key %q", got)
	}

	op.IdempotencyKey = ""
	if got := op.DedupKey(); got != "" {
		t.Errorf("operations without a key must not dedup, got %q", got)
	}
}

func TestReady(t *testing.T) {
	op := &Operation{}
	if !op.Ready(1000) {
		t.Error("zero next_retry_at should always be ready")
	}

	op.NextRetryAt = 2000
	if op.Ready(1999) {
		t.Error("not ready before next_retry_at")
	}
	if !op.Ready(2000) {
		t.Error("ready at exactly next_retry_at")
	}
}
