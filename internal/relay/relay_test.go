package relay

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

func newTestRelay() *Relay {
	return NewRelay(NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recipients(deliveries []Delivery) []signalling.ParticipantID {
	ids := make([]signalling.ParticipantID, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.To
	}
	return ids
}

func TestRelay_JoinBroadcastsFullMembership(t *testing.T) {
	relay := newTestRelay()
	a := relay.Connect()
	b := relay.Connect()

	deliveries := relay.Handle(a, signalling.JoinRoom("r1", "alice"))
	if got := recipients(deliveries); !slices.Equal(got, []signalling.ParticipantID{a}) {
		t.Fatalf("recipients=%v, want [a]", got)
	}

	deliveries = relay.Handle(b, signalling.JoinRoom("r1", "bob"))
	if got := recipients(deliveries); !slices.Equal(got, []signalling.ParticipantID{a, b}) {
		t.Fatalf("recipients=%v, want [a b]", got)
	}
	for _, d := range deliveries {
		msg := d.Message
		if msg.Event != signalling.EventUserJoined {
			t.Fatalf("event=%s, want user-joined", msg.Event)
		}
		if len(msg.Participants) != 2 || msg.Participants[0].ID != a || msg.Participants[1].ID != b {
			t.Fatalf("participants=%+v, want [a b]", msg.Participants)
		}
		if msg.Participants[1].Name != "bob" {
			t.Fatalf("name=%q, want bob", msg.Participants[1].Name)
		}
	}
}

func TestRelay_SecondJoinIsDropped(t *testing.T) {
	relay := newTestRelay()
	a := relay.Connect()
	relay.Handle(a, signalling.JoinRoom("r1", "alice"))

	if deliveries := relay.Handle(a, signalling.JoinRoom("r2", "alice")); deliveries != nil {
		t.Fatalf("second join produced deliveries: %+v", deliveries)
	}
	if relay.Registry().Contains("r2", a) {
		t.Fatalf("participant joined a second room")
	}
}

func TestRelay_LeaveNotifiesRemaining(t *testing.T) {
	relay := newTestRelay()
	a, b := relay.Connect(), relay.Connect()
	relay.Handle(a, signalling.JoinRoom("r1", "alice"))
	relay.Handle(b, signalling.JoinRoom("r1", "bob"))

	deliveries := relay.Handle(a, signalling.LeaveRoom("r1"))
	if got := recipients(deliveries); !slices.Equal(got, []signalling.ParticipantID{b}) {
		t.Fatalf("recipients=%v, want [b]", got)
	}
	msg := deliveries[0].Message
	if msg.Event != signalling.EventUserLeft || len(msg.Participants) != 1 || msg.Participants[0].ID != b {
		t.Fatalf("unexpected broadcast %+v", msg)
	}

	// Leaving a room one is not in does nothing
	if deliveries := relay.Handle(a, signalling.LeaveRoom("r1")); deliveries != nil {
		t.Fatalf("repeated leave produced deliveries: %+v", deliveries)
	}

	// And the connection may join again
	if deliveries := relay.Handle(a, signalling.JoinRoom("r1", "alice")); len(deliveries) != 2 {
		t.Fatalf("rejoin produced %d deliveries, want 2", len(deliveries))
	}
}

func TestRelay_DisconnectActsAsLeave(t *testing.T) {
	relay := newTestRelay()
	a, b := relay.Connect(), relay.Connect()
	relay.Handle(a, signalling.JoinRoom("r1", "alice"))
	relay.Handle(b, signalling.JoinRoom("r1", "bob"))

	deliveries := relay.Disconnect(b)
	if got := recipients(deliveries); !slices.Equal(got, []signalling.ParticipantID{a}) {
		t.Fatalf("recipients=%v, want [a]", got)
	}
	if deliveries[0].Message.Event != signalling.EventUserLeft {
		t.Fatalf("event=%s, want user-left", deliveries[0].Message.Event)
	}

	relay.Disconnect(a)
	if relay.Registry().RoomCount() != 0 {
		t.Fatalf("room survived its last member")
	}
	if relay.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount=%d, want 0", relay.ConnectionCount())
	}

	// Disconnecting twice is harmless
	if deliveries := relay.Disconnect(a); deliveries != nil {
		t.Fatalf("second disconnect produced deliveries")
	}
}

func TestRelay_TalkingGoesToOthersOnly(t *testing.T) {
	relay := newTestRelay()
	a, b, c := relay.Connect(), relay.Connect(), relay.Connect()
	for _, id := range []signalling.ParticipantID{a, b, c} {
		relay.Handle(id, signalling.JoinRoom("r1", id.String()))
	}

	deliveries := relay.Handle(a, signalling.StartTalking("r1"))
	if got := recipients(deliveries); !slices.Equal(got, []signalling.ParticipantID{b, c}) {
		t.Fatalf("recipients=%v, want [b c]", got)
	}
	for _, d := range deliveries {
		if d.Message.Event != signalling.EventUserTalking || d.Message.UserID != a || !d.Message.IsTalking {
			t.Fatalf("unexpected broadcast %+v", d.Message)
		}
	}

	deliveries = relay.Handle(a, signalling.StopTalking("r1"))
	if len(deliveries) != 2 || deliveries[0].Message.IsTalking {
		t.Fatalf("unexpected stop broadcast %+v", deliveries)
	}

	// Talking in a room one is not in is dropped
	if deliveries := relay.Handle(a, signalling.StartTalking("elsewhere")); deliveries != nil {
		t.Fatalf("talk in foreign room produced deliveries")
	}
}

func TestRelay_ForwardsHandshakeToTarget(t *testing.T) {
	relay := newTestRelay()
	a, b := relay.Connect(), relay.Connect()
	relay.Handle(a, signalling.JoinRoom("r1", "alice"))
	relay.Handle(b, signalling.JoinRoom("r1", "bob"))

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	deliveries := relay.Handle(a, signalling.Offer("r1", b, offer))
	if len(deliveries) != 1 || deliveries[0].To != b {
		t.Fatalf("deliveries=%+v, want one to b", deliveries)
	}
	msg := deliveries[0].Message
	if msg.Event != signalling.EventOffer || msg.From != a || msg.To != "" {
		t.Fatalf("unexpected forwarded message %+v", msg)
	}
	if msg.Offer.SDP != offer.SDP {
		t.Fatalf("payload altered")
	}
}

func TestRelay_RoutingMissesAreDropped(t *testing.T) {
	relay := newTestRelay()
	a, b, outsider := relay.Connect(), relay.Connect(), relay.Connect()
	relay.Handle(a, signalling.JoinRoom("r1", "alice"))
	relay.Handle(b, signalling.JoinRoom("r1", "bob"))
	relay.Handle(outsider, signalling.JoinRoom("r2", "eve"))

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	tests := []struct {
		name string
		from signalling.ParticipantID
		msg  signalling.Message
	}{
		{"unknown target", a, signalling.ICECandidate("r1", "ghost", candidate)},
		{"target in another room", a, signalling.ICECandidate("r1", outsider, candidate)},
		{"sender not in room", outsider, signalling.ICECandidate("r1", b, candidate)},
		{"unknown room", a, signalling.ICECandidate("r9", b, candidate)},
		{"to self", a, signalling.ICECandidate("r1", a, candidate)},
		{"unknown connection", "ghost", signalling.ICECandidate("r1", b, candidate)},
		{"missing payload", a, signalling.Message{Event: signalling.EventAnswer, Room: "r1", To: b}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if deliveries := relay.Handle(tt.from, tt.msg); len(deliveries) != 0 {
				t.Fatalf("expected drop, got %+v", deliveries)
			}
		})
	}

	// A target that has left is a routing miss too
	relay.Disconnect(b)
	if deliveries := relay.Handle(a, signalling.ICECandidate("r1", b, candidate)); len(deliveries) != 0 {
		t.Fatalf("forwarded to departed participant")
	}
}

// An observer replaying its inbox in arrival order must end up with the room's
// final talking state, even while membership churns alongside the talk toggles.
func TestRelay_AttachedSinkKeepsRoomOrder(t *testing.T) {
	relay := newTestRelay()

	var inboxMutex sync.Mutex
	inbox := make(map[signalling.ParticipantID][]signalling.Message)
	relay.attach(func(deliveries []Delivery) {
		inboxMutex.Lock()
		defer inboxMutex.Unlock()
		for _, d := range deliveries {
			inbox[d.To] = append(inbox[d.To], d.Message)
		}
	})

	talker, observer := relay.Connect(), relay.Connect()
	relay.Handle(talker, signalling.JoinRoom("r1", "alice"))
	relay.Handle(observer, signalling.JoinRoom("r1", "bob"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			relay.Handle(talker, signalling.StartTalking("r1"))
			relay.Handle(talker, signalling.StopTalking("r1"))
		}
		relay.Handle(talker, signalling.StartTalking("r1"))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			guest := relay.Connect()
			relay.Handle(guest, signalling.JoinRoom("r1", "guest"))
			relay.Disconnect(guest)
		}
	}()
	wg.Wait()

	inboxMutex.Lock()
	defer inboxMutex.Unlock()

	talking := false
	var version uint64
	for _, msg := range inbox[observer] {
		switch msg.Event {
		case signalling.EventUserJoined, signalling.EventUserLeft:
			if msg.Version <= version {
				t.Fatalf("snapshot version %d arrived after %d", msg.Version, version)
			}
			version = msg.Version
			i := slices.IndexFunc(msg.Participants, func(p signalling.Participant) bool { return p.ID == talker })
			if i < 0 {
				t.Fatalf("snapshot v%d is missing the talker", msg.Version)
			}
			talking = msg.Participants[i].IsTalking
		case signalling.EventUserTalking:
			if msg.UserID == talker {
				talking = msg.IsTalking
			}
		}
	}
	if !talking {
		t.Fatalf("observer replayed talker as silent, want talking")
	}

	snapshot, _ := relay.Registry().Members("r1")
	if len(snapshot.Participants) != 2 {
		t.Fatalf("members=%d, want 2", len(snapshot.Participants))
	}
}
