package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/adamjohannes/ouroboros-fs/internal/ring"
)

// The three table serializations all live on a single header line (or, for
// file tags, in a CSV body), so none of them may contain spaces or newlines:
//
//	netmap   addr=Alive,addr=Dead,...        (accumulator order preserved)
//	topology addr->addr;addr->addr;...       (accumulator order preserved)
//	tags     name,size,start\n per record    (CSV body / FILE LIST output)

// NetMapEntry is one accumulator element of a NETMAP HOP or SET line. Order
// matters in flight: the first entry names the walk origin.
type NetMapEntry struct {
	Addr   string
	Status ring.Status
}

// EncodeNetMapEntries renders entries in the given order.
func EncodeNetMapEntries(entries []NetMapEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Addr+"="+string(e.Status))
	}
	return strings.Join(parts, ",")
}

// EncodeNetMap renders a netmap snapshot in sorted address order, for SET
// broadcasts where no origin ordering applies.
func EncodeNetMap(m map[string]ring.Status) string {
	addrs := maps.Keys(m)
	slices.Sort(addrs)
	entries := make([]NetMapEntry, 0, len(addrs))
	for _, addr := range addrs {
		entries = append(entries, NetMapEntry{Addr: addr, Status: m[addr]})
	}
	return EncodeNetMapEntries(entries)
}

// ParseNetMapEntries parses an `addr=Status,...` token, preserving order.
func ParseNetMapEntries(s string) ([]NetMapEntry, error) {
	if s == "" {
		return nil, fmt.Errorf("empty netmap entries")
	}
	parts := strings.Split(s, ",")
	entries := make([]NetMapEntry, 0, len(parts))
	for _, part := range parts {
		addr, status, ok := strings.Cut(part, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("bad netmap entry %q", part)
		}
		st := ring.Status(status)
		if st != ring.StatusAlive && st != ring.StatusDead {
			return nil, fmt.Errorf("bad status %q", status)
		}
		entries = append(entries, NetMapEntry{Addr: addr, Status: st})
	}
	return entries, nil
}

// NetMapEntriesToMap collapses ordered entries into a table; later entries
// win on duplicate addresses.
func NetMapEntriesToMap(entries []NetMapEntry) map[string]ring.Status {
	m := make(map[string]ring.Status, len(entries))
	for _, e := range entries {
		m[e.Addr] = e.Status
	}
	return m
}

// UpsertNetMapEntry marks addr with the given status in the accumulator,
// appending if absent.
func UpsertNetMapEntry(entries []NetMapEntry, addr string, st ring.Status) []NetMapEntry {
	for i := range entries {
		if entries[i].Addr == addr {
			entries[i].Status = st
			return entries
		}
	}
	return append(entries, NetMapEntry{Addr: addr, Status: st})
}

// Edge is one `from->to` element of a topology history.
type Edge struct {
	From, To string
}

// EncodeEdges renders a history in the given order.
func EncodeEdges(edges []Edge) string {
	parts := make([]string, 0, len(edges))
	for _, e := range edges {
		parts = append(parts, e.From+"->"+e.To)
	}
	return strings.Join(parts, ";")
}

// EncodeTopology renders a topology snapshot in sorted from-address order.
func EncodeTopology(m map[string]string) string {
	froms := maps.Keys(m)
	slices.Sort(froms)
	edges := make([]Edge, 0, len(froms))
	for _, from := range froms {
		edges = append(edges, Edge{From: from, To: m[from]})
	}
	return EncodeEdges(edges)
}

// ParseEdges parses an `a->b;b->c` history token, preserving order.
func ParseEdges(s string) ([]Edge, error) {
	if s == "" {
		return nil, fmt.Errorf("empty topology history")
	}
	parts := strings.Split(s, ";")
	edges := make([]Edge, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "->")
		if !ok || from == "" {
			return nil, fmt.Errorf("bad topology edge %q", part)
		}
		edges = append(edges, Edge{From: from, To: to})
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("empty topology history")
	}
	return edges, nil
}

// EdgesToMap collapses a history into a topology table; later edges win.
func EdgesToMap(edges []Edge) map[string]string {
	m := make(map[string]string, len(edges))
	for _, e := range edges {
		m[e.From] = e.To
	}
	return m
}

// EncodeTags renders a tag table as CSV, one `name,size,start` record per
// line, sorted by name. Used for both FILE LIST output and the FILE
// TAGS-SET body.
func EncodeTags(tags map[string]ring.FileTag) string {
	names := maps.Keys(tags)
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		tag := tags[name]
		fmt.Fprintf(&b, "%s,%d,%s\n", name, tag.Size, tag.Start)
	}
	return b.String()
}

// ParseTags parses a tag CSV body. Blank lines are skipped.
func ParseTags(body string) (map[string]ring.FileTag, error) {
	tags := make(map[string]ring.FileTag)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 || fields[0] == "" {
			return nil, fmt.Errorf("bad tag record %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad tag size %q", fields[1])
		}
		tags[fields[0]] = ring.FileTag{Size: size, Start: fields[2]}
	}
	return tags, nil
}
