package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/limaxs/chat-gateway/internal/protocol"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][][]byte // userID -> raw envelopes
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(map[string][][]byte)}
}

func (f *fakePublisher) PublishToUser(userID string, data []byte) error {
	f.mu.Lock()
	f.sent[userID] = append(f.sent[userID], data)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) countFor(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[userID])
}

func newTestRelay(t *testing.T) (*Relay, *fakePublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pub := newFakePublisher()
	return NewRelay(NewCallStore(client, 300*time.Second), pub), pub, mr
}

func offer(target string) (protocol.SignalSDPData, []byte) {
	data := protocol.SignalSDPData{TargetID: target, Type: protocol.SDPTypeOffer, SDP: "v=0..."}
	raw, _ := protocol.Encode(protocol.EventSignalSDP, "trace-offer", data)
	return data, raw
}

func TestSDP_OfferEngagesIdleTarget(t *testing.T) {
	relay, pub, _ := newTestRelay(t)
	ctx := context.Background()

	data, raw := offer("bob")
	rejected, err := relay.SDP(ctx, "alice", data, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rejected {
		t.Fatal("offer to an idle target must not be rejected")
	}
	if pub.countFor("bob") != 1 {
		t.Errorf("expected 1 envelope for bob, got %d", pub.countFor("bob"))
	}
	if string(pub.sent["bob"][0]) != string(raw) {
		t.Error("offer must be relayed verbatim")
	}

	peer, err := relay.calls.Peer(ctx, "bob")
	if err != nil || peer != "alice" {
		t.Errorf("expected bob busy with alice, got %q err=%v", peer, err)
	}
}

func TestSDP_SecondOfferIsRejected(t *testing.T) {
	relay, pub, _ := newTestRelay(t)
	ctx := context.Background()

	data, raw := offer("bob")
	if rejected, _ := relay.SDP(ctx, "alice", data, raw); rejected {
		t.Fatal("first offer must succeed")
	}

	rejected, err := relay.SDP(ctx, "charlie", data, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rejected {
		t.Fatal("second offer to a busy target must be rejected")
	}
	// The target never sees the second offer.
	if pub.countFor("bob") != 1 {
		t.Errorf("expected bob to receive only the first offer, got %d", pub.countFor("bob"))
	}
	// Busy state still belongs to the first offerer.
	if peer, _ := relay.calls.Peer(ctx, "bob"); peer != "alice" {
		t.Errorf("busy record must not be overwritten, got peer %q", peer)
	}
}

func TestSDP_BusyExpiresAfterTTL(t *testing.T) {
	relay, _, mr := newTestRelay(t)
	ctx := context.Background()

	data, raw := offer("bob")
	relay.SDP(ctx, "alice", data, raw)

	mr.FastForward(301 * time.Second)

	rejected, err := relay.SDP(ctx, "charlie", data, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rejected {
		t.Fatal("offer after TTL expiry must succeed")
	}
	if peer, _ := relay.calls.Peer(ctx, "bob"); peer != "charlie" {
		t.Errorf("expected new busy record for charlie, got %q", peer)
	}
}

func TestSDP_DisconnectClearsBusyImmediately(t *testing.T) {
	relay, _, _ := newTestRelay(t)
	ctx := context.Background()

	data, raw := offer("bob")
	relay.SDP(ctx, "alice", data, raw)

	if err := relay.Disconnected(ctx, "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peer, _ := relay.calls.Peer(ctx, "bob"); peer != "" {
		t.Fatalf("expected idle after disconnect, got peer %q", peer)
	}

	rejected, err := relay.SDP(ctx, "charlie", data, raw)
	if err != nil || rejected {
		t.Errorf("offer after disconnect must succeed, rejected=%v err=%v", rejected, err)
	}
}

func TestSDP_AnswerRelaysWithoutStateChange(t *testing.T) {
	relay, pub, _ := newTestRelay(t)
	ctx := context.Background()

	offerData, offerRaw := offer("bob")
	relay.SDP(ctx, "alice", offerData, offerRaw)

	answer := protocol.SignalSDPData{TargetID: "alice", Type: protocol.SDPTypeAnswer, SDP: "v=0..."}
	raw, _ := protocol.Encode(protocol.EventSignalSDP, "trace-answer", answer)

	rejected, err := relay.SDP(ctx, "bob", answer, raw)
	if err != nil || rejected {
		t.Fatalf("answer must relay unconditionally, rejected=%v err=%v", rejected, err)
	}
	if pub.countFor("alice") != 1 {
		t.Errorf("expected answer delivered to alice, got %d", pub.countFor("alice"))
	}

	// Answering does not clear busy: that is disconnect's or the TTL's job.
	if peer, _ := relay.calls.Peer(ctx, "bob"); peer != "alice" {
		t.Errorf("bob must stay busy after answering, got %q", peer)
	}
}

func TestICE_RelaysVerbatimAndKeepsState(t *testing.T) {
	relay, pub, _ := newTestRelay(t)
	ctx := context.Background()

	data := protocol.SignalICEData{TargetID: "bob", Candidate: "candidate:1", SDPMid: "0"}
	raw, _ := protocol.Encode(protocol.EventSignalICE, "trace-ice", data)

	if err := relay.ICE(ctx, data, raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.countFor("bob") != 1 {
		t.Errorf("expected 1 candidate for bob, got %d", pub.countFor("bob"))
	}
	if string(pub.sent["bob"][0]) != string(raw) {
		t.Error("candidate must be relayed verbatim")
	}
	if peer, _ := relay.calls.Peer(ctx, "bob"); peer != "" {
		t.Errorf("ICE must never alter call state, got peer %q", peer)
	}
}
