package presence

// Directory maps a family (room) id to the set of connection ids currently
// joined. Rooms exist only implicitly: an entry is created on first join and
// deleted when its member set empties. Like Registry, the Directory carries
// no lock of its own — the Manager is the single writer.
type Directory struct {
	rooms map[string]map[string]struct{}
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]map[string]struct{})}
}

// Add places connID into roomID's member set, creating the room on first
// join. Adding an existing member is a no-op (set semantics — rejoin must
// not duplicate entries).
func (d *Directory) Add(roomID, connID string) {
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

// Remove deletes connID from roomID's member set and garbage-collects the
// room when it empties.
func (d *Directory) Remove(roomID, connID string) {
	members, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
}

// Members returns the member set for roomID. The returned map is the live
// set — callers must not retain it past the Manager's critical section.
func (d *Directory) Members(roomID string) map[string]struct{} {
	return d.rooms[roomID]
}

// Len returns the number of non-empty rooms.
func (d *Directory) Len() int {
	return len(d.rooms)
}
