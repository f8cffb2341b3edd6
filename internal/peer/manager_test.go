package peer

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

type fakeConnection struct {
	remote     signalling.ParticipantID
	handlers   ConnectionHandlers
	offers     int
	answers    int
	setAnswer  int
	candidates []webrtc.ICECandidateInit
	closed     int
	failOffer  bool
}

func (c *fakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.failOffer {
		return webrtc.SessionDescription{}, errors.New("no offer")
	}
	c.offers += 1
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer to " + c.remote.String()}, nil
}

func (c *fakeConnection) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.answers += 1
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer to " + offer.SDP}, nil
}

func (c *fakeConnection) SetAnswer(webrtc.SessionDescription) error {
	c.setAnswer += 1
	return nil
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConnection) Close() error {
	c.closed += 1
	return nil
}

type fakeFactory struct {
	connections []*fakeConnection
	fail        bool
	failOffer   bool
}

func (f *fakeFactory) NewConnection(remote signalling.ParticipantID, handlers ConnectionHandlers) (Connection, error) {
	if f.fail {
		return nil, errors.New("no connection")
	}
	c := &fakeConnection{remote: remote, handlers: handlers, failOffer: f.failOffer}
	f.connections = append(f.connections, c)
	return c, nil
}

func (f *fakeFactory) last() *fakeConnection {
	return f.connections[len(f.connections)-1]
}

func newTestManager(self signalling.ParticipantID) (*Manager, *fakeFactory, *[]Event) {
	factory := &fakeFactory{}
	events := &[]Event{}
	manager := NewManager(self, "r1", factory, func(e Event) {
		*events = append(*events, e)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return manager, factory, events
}

func targets(messages []signalling.Message) []signalling.ParticipantID {
	ids := make([]signalling.ParticipantID, len(messages))
	for i, msg := range messages {
		ids[i] = msg.To
	}
	return ids
}

func TestManager_OfferAllSkipsSelfAndExistingLinks(t *testing.T) {
	manager, factory, _ := newTestManager("a")

	outbound := manager.OfferAll([]signalling.ParticipantID{"a", "b", "c"})
	if got := targets(outbound); !slices.Equal(got, []signalling.ParticipantID{"b", "c"}) {
		t.Fatalf("offers to %v, want [b c]", got)
	}
	for _, msg := range outbound {
		if msg.Event != signalling.EventOffer || msg.Room != "r1" || msg.Offer == nil {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
	if len(factory.connections) != 2 {
		t.Fatalf("%d connections created, want 2", len(factory.connections))
	}
	for _, remote := range []signalling.ParticipantID{"b", "c"} {
		link, ok := manager.Link(remote)
		if !ok || link.State() != StateOfferSent || link.Role() != RoleOfferer {
			t.Fatalf("link to %s: %+v", remote, link)
		}
	}

	// A second talk session while the links still exist offers nothing new
	if outbound := manager.OfferAll([]signalling.ParticipantID{"a", "b", "c"}); len(outbound) != 0 {
		t.Fatalf("re-offered: %v", targets(outbound))
	}
}

func TestManager_AnswerCompletesOffer(t *testing.T) {
	manager, factory, _ := newTestManager("a")
	manager.Offer("b")

	manager.HandleAnswer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	link, _ := manager.Link("b")
	if link.State() != StateConnected {
		t.Fatalf("state=%s, want connected", link.State())
	}
	if factory.last().setAnswer != 1 {
		t.Fatalf("answer applied %d times", factory.last().setAnswer)
	}

	// A duplicate answer is a no-op
	manager.HandleAnswer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	if factory.last().setAnswer != 1 {
		t.Fatalf("duplicate answer applied")
	}
}

func TestManager_UnexpectedAnswerIsNoOp(t *testing.T) {
	manager, factory, _ := newTestManager("a")

	// No link at all
	manager.HandleAnswer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	if manager.Len() != 0 {
		t.Fatalf("answer created a link")
	}

	// A link we answered ourselves
	outbound := manager.HandleOffer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	if len(outbound) != 1 || outbound[0].Event != signalling.EventAnswer || outbound[0].To != "b" {
		t.Fatalf("unexpected outbound %+v", outbound)
	}
	manager.HandleAnswer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})

	link, _ := manager.Link("b")
	if link.State() != StateAnswered || factory.last().setAnswer != 0 {
		t.Fatalf("state=%s setAnswer=%d, want answered and untouched", link.State(), factory.last().setAnswer)
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	manager, factory, _ := newTestManager("a")
	manager.Offer("b")
	link, _ := manager.Link("b")

	if !manager.Close("b") {
		t.Fatalf("Close reported no link")
	}
	if manager.Close("b") {
		t.Fatalf("second Close reported a link")
	}
	link.Close()

	if manager.Len() != 0 {
		t.Fatalf("Len=%d, want 0", manager.Len())
	}
	if factory.last().closed != 1 {
		t.Fatalf("connection closed %d times, want 1", factory.last().closed)
	}
	if link.State() != StateClosed {
		t.Fatalf("state=%s, want closed", link.State())
	}

	// Operations on a closed link do nothing
	if ok, err := link.ApplyAnswer(webrtc.SessionDescription{}); ok || err != nil {
		t.Fatalf("ApplyAnswer on closed link: %v %v", ok, err)
	}
	if _, err := link.StartOffer(); !errors.Is(err, ErrInvalidLinkState) {
		t.Fatalf("StartOffer on closed link: %v", err)
	}
}

func TestManager_CloseAllAndCloseWhere(t *testing.T) {
	manager, factory, _ := newTestManager("a")
	manager.OfferAll([]signalling.ParticipantID{"b", "c", "d"})

	closed := manager.CloseWhere(func(remote signalling.ParticipantID) bool { return remote != "c" })
	if !slices.Equal(closed, []signalling.ParticipantID{"b", "d"}) {
		t.Fatalf("closed %v, want [b d]", closed)
	}
	if !slices.Equal(manager.Remotes(), []signalling.ParticipantID{"c"}) {
		t.Fatalf("remaining %v, want [c]", manager.Remotes())
	}

	manager.CloseAll()
	if manager.Len() != 0 {
		t.Fatalf("Len=%d after CloseAll", manager.Len())
	}
	for _, c := range factory.connections {
		if c.closed != 1 {
			t.Fatalf("connection to %s closed %d times", c.remote, c.closed)
		}
	}
}

func TestManager_Glare(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}

	t.Run("smaller id keeps its offer", func(t *testing.T) {
		manager, factory, _ := newTestManager("a")
		manager.Offer("b")

		if outbound := manager.HandleOffer("b", offer); outbound != nil {
			t.Fatalf("answered despite glare: %+v", outbound)
		}
		link, _ := manager.Link("b")
		if link.State() != StateOfferSent || len(factory.connections) != 1 {
			t.Fatalf("own offer not kept: state=%s connections=%d", link.State(), len(factory.connections))
		}
	})

	t.Run("larger id answers", func(t *testing.T) {
		manager, factory, _ := newTestManager("b")
		manager.Offer("a")
		original := factory.last()

		outbound := manager.HandleOffer("a", offer)
		if len(outbound) != 1 || outbound[0].Event != signalling.EventAnswer {
			t.Fatalf("unexpected outbound %+v", outbound)
		}
		if original.closed != 1 {
			t.Fatalf("own offer link not closed")
		}
		link, _ := manager.Link("a")
		if link.Role() != RoleAnswerer || link.State() != StateAnswered {
			t.Fatalf("link role=%s state=%s", link.Role(), link.State())
		}
		if manager.Len() != 1 {
			t.Fatalf("Len=%d, want 1", manager.Len())
		}
	})
}

func TestManager_FreshOfferReplacesLink(t *testing.T) {
	manager, factory, _ := newTestManager("a")
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}

	manager.HandleOffer("b", offer)
	first, _ := manager.Link("b")
	manager.HandleOffer("b", offer)
	second, _ := manager.Link("b")

	if first == second || first.State() != StateClosed {
		t.Fatalf("link not replaced")
	}
	if factory.connections[0].closed != 1 || manager.Len() != 1 {
		t.Fatalf("old connection closed %d times, Len=%d", factory.connections[0].closed, manager.Len())
	}
}

func TestManager_CandidatesHeldUntilRemoteDescription(t *testing.T) {
	manager, factory, _ := newTestManager("a")
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1"}

	// No link yet, dropped
	manager.HandleCandidate("b", candidate)

	manager.Offer("b")
	manager.HandleCandidate("b", candidate)
	if len(factory.last().candidates) != 0 {
		t.Fatalf("candidate applied before answer")
	}

	manager.HandleAnswer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	if len(factory.last().candidates) != 1 {
		t.Fatalf("held candidate not applied")
	}

	manager.HandleCandidate("b", candidate)
	if len(factory.last().candidates) != 2 {
		t.Fatalf("candidate not applied once connected")
	}
}

func TestManager_TransportEvents(t *testing.T) {
	manager, factory, events := newTestManager("a")
	manager.HandleOffer("b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	conn := factory.last()

	conn.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:local"})
	conn.handlers.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	if len(*events) != 2 {
		t.Fatalf("%d events emitted, want 2", len(*events))
	}

	outbound := manager.HandleEvent((*events)[0])
	if len(outbound) != 1 || outbound[0].Event != signalling.EventICECandidate || outbound[0].To != "b" ||
		outbound[0].Candidate.Candidate != "candidate:local" {
		t.Fatalf("unexpected outbound %+v", outbound)
	}

	manager.HandleEvent((*events)[1])
	link, _ := manager.Link("b")
	if link.State() != StateConnected {
		t.Fatalf("state=%s, want connected", link.State())
	}

	// Events from a replaced link are ignored
	stale := Event{Remote: "b", LinkID: link.ID() + 100, State: webrtc.PeerConnectionStateFailed}
	manager.HandleEvent(stale)
	if manager.Len() != 1 {
		t.Fatalf("stale event closed the link")
	}

	// A failed transport closes the link
	manager.HandleEvent(Event{Remote: "b", LinkID: link.ID(), State: webrtc.PeerConnectionStateFailed})
	if manager.Len() != 0 || conn.closed != 1 {
		t.Fatalf("failed link not closed")
	}
}

func TestManager_ConnectionErrors(t *testing.T) {
	manager, factory, _ := newTestManager("a")

	factory.fail = true
	if outbound := manager.Offer("b"); outbound != nil || manager.Len() != 0 {
		t.Fatalf("offer without connection: %+v", outbound)
	}

	factory.fail = false
	factory.failOffer = true
	if outbound := manager.Offer("b"); outbound != nil || manager.Len() != 0 {
		t.Fatalf("failed offer left a link: %+v", outbound)
	}
	if factory.last().closed != 1 {
		t.Fatalf("connection of failed offer not closed")
	}
}
