package relay

import (
	"slices"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/walkietalkie/pkg/signalling"
)

// A consistent view of a room's membership, taken under the room's lock.
type Snapshot struct {
	Room         string
	Version      uint64
	Participants []signalling.Participant
}

// The IDs of every participant in the snapshot, in join order.
func (s Snapshot) IDs() []signalling.ParticipantID {
	ids := make([]signalling.ParticipantID, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.ID
	}
	return ids
}

// A room owns its ordered participant list and guards it with its own lock,
// so activity in one room never waits on another.
//
// Once the last participant leaves, the room is marked deleted and unlinked
// from the registry. A joiner that raced with the deletion and still holds
// the old pointer sees the flag and retries against the registry.
type room struct {
	id string

	mu           sync.Mutex
	participants []signalling.Participant
	version      uint64
	deleted      bool
}

func (r *room) snapshotLocked() Snapshot {
	return Snapshot{
		Room:         r.id,
		Version:      r.version,
		Participants: slices.Clone(r.participants),
	}
}

func (r *room) indexLocked(id signalling.ParticipantID) int {
	return slices.IndexFunc(r.participants, func(p signalling.Participant) bool {
		return p.ID == id
	})
}

// --------------------------------------------------------------------------------

// Registry maps room identifiers to rooms.
//
// The registry lock only protects the map itself (lookup, insert, delete).
// Membership and talk flags are mutated under the owning room's lock.
// When both are needed the room lock is taken first.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

func (reg *Registry) lookup(roomID string) *room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[roomID]
}

func (reg *Registry) lookupOrCreate(roomID string) *room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		r = &room{id: roomID}
		reg.rooms[roomID] = r
	}
	return r
}

// Unlink a room from the map, unless it has already been replaced by a fresh room.
// Called with r.mu held.
func (reg *Registry) unlinkLocked(r *room) {
	r.deleted = true
	reg.mu.Lock()
	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
	}
	reg.mu.Unlock()
}

// Called with the room's membership right after a change, while the room's lock is still held.
// Broadcasts handed out from here reach every member's queue in the order the changes were made.
// Must not block and must not call back into the Registry.
type Publish func(snapshot Snapshot)

// Add a participant to the end of a room, creating the room if it does not exist.
// Returns the membership after the join. publish may be nil.
//
// Joining a room the participant is already in leaves the membership unchanged.
func (reg *Registry) Join(roomID string, participant signalling.Participant, publish Publish) Snapshot {
	for {
		r := reg.lookupOrCreate(roomID)

		r.mu.Lock()
		if r.deleted {
			// Lost the race with the last member leaving, go again with a fresh room
			r.mu.Unlock()
			continue
		}
		if r.indexLocked(participant.ID) < 0 {
			participant.IsTalking = false
			r.participants = append(r.participants, participant)
			r.version += 1
		}
		snapshot := r.snapshotLocked()
		if publish != nil {
			publish(snapshot)
		}
		r.mu.Unlock()
		return snapshot
	}
}

// Remove a participant from a room, deleting the room if it is now empty.
// Returns the remaining membership, and false if the participant was not a member.
// publish, if not nil, is only called when the membership changed.
func (reg *Registry) Leave(roomID string, id signalling.ParticipantID, publish Publish) (Snapshot, bool) {
	r := reg.lookup(roomID)
	if r == nil {
		return Snapshot{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if r.deleted || i < 0 {
		return Snapshot{}, false
	}
	r.participants = slices.Delete(r.participants, i, i+1)
	r.version += 1
	if len(r.participants) == 0 {
		reg.unlinkLocked(r)
	}
	snapshot := r.snapshotLocked()
	if publish != nil {
		publish(snapshot)
	}
	return snapshot, true
}

// Set the talking flag of a member of a room.
// Returns the IDs of every other member, and false if the participant is not a member.
// publish, if not nil, sees the membership with the new flag.
func (reg *Registry) SetTalking(roomID string, id signalling.ParticipantID, isTalking bool, publish Publish) ([]signalling.ParticipantID, bool) {
	r := reg.lookup(roomID)
	if r == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if r.deleted || i < 0 {
		return nil, false
	}
	r.participants[i].IsTalking = isTalking

	others := make([]signalling.ParticipantID, 0, len(r.participants)-1)
	for _, p := range r.participants {
		if p.ID != id {
			others = append(others, p.ID)
		}
	}
	if publish != nil {
		publish(r.snapshotLocked())
	}
	return others, true
}

// Report whether a participant is currently a member of a room.
func (reg *Registry) Contains(roomID string, id signalling.ParticipantID) bool {
	r := reg.lookup(roomID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.deleted && r.indexLocked(id) >= 0
}

// Get the current membership of a room. Returns false if the room does not exist.
func (reg *Registry) Members(roomID string) (Snapshot, bool) {
	r := reg.lookup(roomID)
	if r == nil {
		return Snapshot{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return Snapshot{}, false
	}
	return r.snapshotLocked(), true
}

// The number of rooms that currently have at least one member.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
