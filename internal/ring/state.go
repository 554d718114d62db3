package ring

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Status is the liveness of a node as recorded in the netmap.
type Status string

const (
	// StatusAlive means the node answered its last probe.
	StatusAlive Status = "Alive"
	// StatusDead means the node is being healed by its watcher.
	StatusDead Status = "Dead"
)

// FileTag records where a striped file begins and how large it is. The start
// node holds chunk 0; walking successors from there recovers the file.
type FileTag struct {
	Start string // address of the node holding chunk 0
	Size  int64  // total file size in bytes
}

// State is the shared cluster state of one node.
//
// Each table has its own lock so unrelated broadcast traffic never
// serializes. No method performs network I/O; callers snapshot what they
// need, release the lock, then go to the wire.
type State struct {
	self string

	nmu    sync.RWMutex
	netmap map[string]Status

	tmu      sync.RWMutex
	topology map[string]string

	fmu  sync.RWMutex
	tags map[string]FileTag
}

// NewState creates the state for a node at the given address. The netmap
// starts with self marked Alive; topology and tags start empty.
func NewState(self string) *State {
	return &State{
		self:     self,
		netmap:   map[string]Status{self: StatusAlive},
		topology: make(map[string]string),
		tags:     make(map[string]FileTag),
	}
}

// Self returns this node's own address.
func (s *State) Self() string { return s.self }

// SetSelfSuccessor updates the topology entry for this node only.
func (s *State) SetSelfSuccessor(addr string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.topology[s.self] = addr
}

// SelfSuccessor returns this node's successor, or "" if none is wired yet.
func (s *State) SelfSuccessor() string {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	return s.topology[s.self]
}

// Successor returns the recorded successor of an arbitrary address, or "" if
// the address is unknown.
func (s *State) Successor(addr string) string {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	return s.topology[addr]
}

// MergeNetMap replaces the netmap wholesale with a received snapshot, except
// that self is always forced Alive: a node that is running never believes a
// peer's claim that it is dead.
func (s *State) MergeNetMap(entries map[string]Status) {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	s.netmap = make(map[string]Status, len(entries)+1)
	for addr, st := range entries {
		s.netmap[addr] = st
	}
	s.netmap[s.self] = StatusAlive
}

// SetStatus upserts the liveness of a single address.
func (s *State) SetStatus(addr string, st Status) {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	s.netmap[addr] = st
}

// NetMap returns a copy of the netmap.
func (s *State) NetMap() map[string]Status {
	s.nmu.RLock()
	defer s.nmu.RUnlock()
	out := make(map[string]Status, len(s.netmap))
	maps.Copy(out, s.netmap)
	return out
}

// Status returns the recorded liveness of an address and whether the address
// is known at all.
func (s *State) Status(addr string) (Status, bool) {
	s.nmu.RLock()
	defer s.nmu.RUnlock()
	st, ok := s.netmap[addr]
	return st, ok
}

// AliveCount returns the number of Alive entries in the netmap. Self is
// always Alive, so the result is at least 1.
func (s *State) AliveCount() int {
	s.nmu.RLock()
	defer s.nmu.RUnlock()
	n := 0
	for _, st := range s.netmap {
		if st == StatusAlive {
			n++
		}
	}
	return n
}

// Alive returns the sorted addresses of all Alive nodes, excluding any
// addresses passed in except. Used by the broadcast paths, which never send
// to self or to the node currently being healed.
func (s *State) Alive(except ...string) []string {
	s.nmu.RLock()
	defer s.nmu.RUnlock()
	out := make([]string, 0, len(s.netmap))
	for addr, st := range s.netmap {
		if st != StatusAlive || slices.Contains(except, addr) {
			continue
		}
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// MergeTopology replaces the topology wholesale with a received snapshot.
// A respawned node learns its own successor this way: its entry arrives as
// part of the pushed table.
func (s *State) MergeTopology(entries map[string]string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.topology = make(map[string]string, len(entries))
	maps.Copy(s.topology, entries)
}

// Topology returns a copy of the topology table.
func (s *State) Topology() map[string]string {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	out := make(map[string]string, len(s.topology))
	maps.Copy(out, s.topology)
	return out
}

// RingLength returns the number of topology entries. This is the N used to
// derive chunk lengths on pull; it equals the alive count at push time as
// long as membership only changes by respawn-in-place.
func (s *State) RingLength() int {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	return len(s.topology)
}

// SetFileTag upserts the tag for a file. Re-applying the same tag is a
// no-op, which makes the tag broadcast idempotent.
func (s *State) SetFileTag(name string, size int64, start string) {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	s.tags[name] = FileTag{Start: start, Size: size}
}

// FileTag looks up the tag for a file.
func (s *State) FileTag(name string) (FileTag, bool) {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	tag, ok := s.tags[name]
	return tag, ok
}

// Tags returns a copy of the file tag table.
func (s *State) Tags() map[string]FileTag {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	out := make(map[string]FileTag, len(s.tags))
	maps.Copy(out, s.tags)
	return out
}
