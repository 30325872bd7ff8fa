package storage

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAppendAndQuerySecurityEvents(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.AppendSecurityEvent(SecurityEvent{
		Type:     EventPairingDeclined,
		DeviceID: "peer_a",
		Details:  json.RawMessage(`{"by":"peer"}`),
		At:       testEpoch.Add(-time.Second),
	}); err != nil {
		t.Fatalf("AppendSecurityEvent declined failed: %v", err)
	}
	if err := store.AppendSecurityEvent(SecurityEvent{
		Type:     EventFingerprintMismatch,
		DeviceID: "peer_a",
		Details:  json.RawMessage(`{"presented":"abcd"}`),
		Severity: SeverityCritical,
	}); err != nil {
		t.Fatalf("AppendSecurityEvent mismatch failed: %v", err)
	}
	if err := store.AppendSecurityEvent(SecurityEvent{Type: EventPairingAccepted, DeviceID: "peer_b"}); err != nil {
		t.Fatalf("AppendSecurityEvent accepted failed: %v", err)
	}

	forA, err := store.SecurityEvents(SecurityEventFilter{DeviceID: "peer_a"})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(forA) != 2 || forA[0].Type != EventFingerprintMismatch || forA[1].Type != EventPairingDeclined {
		t.Fatalf("events for peer_a not newest first: %+v", forA)
	}
	if !forA[0].At.Equal(testEpoch) || forA[1].Severity != SeverityInfo {
		t.Fatalf("defaults not applied: %+v", forA)
	}

	critical, err := store.SecurityEvents(SecurityEventFilter{Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("SecurityEvents critical failed: %v", err)
	}
	if len(critical) != 1 || string(critical[0].Details) != `{"presented":"abcd"}` {
		t.Fatalf("critical events = %+v", critical)
	}

	older, err := store.SecurityEvents(SecurityEventFilter{Until: testEpoch.Add(-time.Millisecond)})
	if err != nil {
		t.Fatalf("SecurityEvents until failed: %v", err)
	}
	if len(older) != 1 || older[0].Type != EventPairingDeclined {
		t.Fatalf("events until epoch = %+v", older)
	}

	page, err := store.SecurityEvents(SecurityEventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("SecurityEvents page failed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("page = %+v", page)
	}

	if _, err := store.SecurityEvents(SecurityEventFilter{Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity error")
	}
}

func TestRecordSecurityEventValidates(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.RecordSecurityEvent(EventUnpaired, "peer_a", SeverityWarning, map[string]any{"by": "local"}); err != nil {
		t.Fatalf("RecordSecurityEvent failed: %v", err)
	}
	if err := store.RecordSecurityEvent(EventPairingTimedOut, "", "", nil); err != nil {
		t.Fatalf("RecordSecurityEvent without details failed: %v", err)
	}
	if err := store.RecordSecurityEvent("", "peer_a", "", nil); err == nil {
		t.Fatalf("expected error for empty event type")
	}
	if err := store.AppendSecurityEvent(SecurityEvent{Type: EventUnpaired, Details: json.RawMessage("{")}); err == nil {
		t.Fatalf("expected error for malformed details")
	}

	unpaired, err := store.SecurityEvents(SecurityEventFilter{Type: EventUnpaired})
	if err != nil || len(unpaired) != 1 {
		t.Fatalf("unpaired events = %+v, err %v", unpaired, err)
	}
	if string(unpaired[0].Details) != `{"by":"local"}` || unpaired[0].DeviceID != "peer_a" {
		t.Fatalf("unpaired event = %+v", unpaired[0])
	}

	timedOut, err := store.SecurityEvents(SecurityEventFilter{Type: EventPairingTimedOut})
	if err != nil || len(timedOut) != 1 {
		t.Fatalf("timed out events = %+v, err %v", timedOut, err)
	}
	if string(timedOut[0].Details) != "{}" || timedOut[0].DeviceID != "" {
		t.Fatalf("timed out event = %+v", timedOut[0])
	}
}

func TestPruneSecurityEvents(t *testing.T) {
	store, _ := newTestStore(t)

	for i, at := range []time.Time{testEpoch.Add(-2 * time.Hour), testEpoch.Add(-time.Hour), testEpoch} {
		if err := store.AppendSecurityEvent(SecurityEvent{Type: EventUnpaired, At: at}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	pruned, err := store.PruneSecurityEvents(testEpoch.Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("PruneSecurityEvents failed: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned %d, want 2", pruned)
	}
	left, err := store.SecurityEvents(SecurityEventFilter{})
	if err != nil || len(left) != 1 {
		t.Fatalf("remaining events = %+v, err %v", left, err)
	}
}
