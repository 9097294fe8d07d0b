package raop

import (
	"encoding/binary"
	"fmt"
)

// DMAPType is the value kind carried by one DMAP tag.
type DMAPType int

const (
	DMAPUnknown DMAPType = iota
	DMAPUint
	DMAPStr
	DMAPDate
	DMAPVersion
	DMAPContainer
)

// dmapTags describes the known four-character tags: type and dotted
// long-form name, covering the tags AirPlay clients actually send in
// SET_PARAMETER bodies (now-playing metadata and remote-control state).
var dmapTags = map[string]struct {
	full string
	typ  DMAPType
}{
	"mlit": {"dmap.listingitem", DMAPContainer},
	"mlcl": {"dmap.listing", DMAPContainer},
	"miid": {"dmap.itemid", DMAPUint},
	"minm": {"dmap.itemname", DMAPStr},
	"asal": {"daap.songalbum", DMAPStr},
	"asar": {"daap.songartist", DMAPStr},
	"ascp": {"daap.songcomposer", DMAPStr},
	"asgn": {"daap.songgenre", DMAPStr},
	"astm": {"daap.songtime", DMAPUint},
	"cmst": {"dmcp.playstatus", DMAPContainer},
	"cmvo": {"dmcp.volume", DMAPUint},
	"caps": {"dacp.playerstate", DMAPUint},
	"cana": {"dacp.nowplayingartist", DMAPStr},
	"cang": {"dacp.nowplayinggenre", DMAPStr},
	"canl": {"dacp.nowplayingalbum", DMAPStr},
	"cann": {"dacp.nowplayingname", DMAPStr},
	"mper": {"dmap.persistentid", DMAPUint},
	"mstt": {"dmap.status", DMAPUint},
	"mpro": {"dmap.protocolversion", DMAPVersion},
	"asdk": {"daap.songdatakind", DMAPUint},
}

// DMAPItem is one parsed tag: either a leaf with Value/Str populated
// (per its Type), or a container holding Children.
type DMAPItem struct {
	Tag      string
	FullTag  string
	Type     DMAPType
	Value    uint64
	Str      string
	Raw      []byte
	Children []*DMAPItem
}

// ParseDMAP decodes a complete DMAP tag tree from buf. SET_PARAMETER
// delivers the whole body in one request, so this walks the buffer
// directly; no partial-header/partial-value state needs to survive
// across calls.
func ParseDMAP(buf []byte) ([]*DMAPItem, error) {
	items, rest, err := parseDMAPItems(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("raop: %d trailing bytes after dmap tree", len(rest))
	}
	return items, nil
}

func parseDMAPItems(buf []byte) ([]*DMAPItem, []byte, error) {
	var items []*DMAPItem
	for len(buf) > 0 {
		item, rest, err := parseDMAPItem(buf)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
		buf = rest
	}
	return items, buf, nil
}

func parseDMAPItem(buf []byte) (*DMAPItem, []byte, error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("raop: dmap header truncated (%d bytes left)", len(buf))
	}
	tag := string(buf[:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if uint32(len(buf)) < length {
		return nil, nil, fmt.Errorf("raop: dmap tag %q wants %d bytes, has %d", tag, length, len(buf))
	}
	value := buf[:length]
	rest := buf[length:]

	known, ok := dmapTags[tag]
	item := &DMAPItem{Tag: tag}
	if ok {
		item.FullTag = known.full
		item.Type = known.typ
	} else {
		item.FullTag = tag
		item.Type = DMAPUnknown
	}

	switch item.Type {
	case DMAPContainer:
		children, leftover, err := parseDMAPItems(value)
		if err != nil {
			return nil, nil, fmt.Errorf("raop: dmap tag %q: %w", tag, err)
		}
		if len(leftover) != 0 {
			return nil, nil, fmt.Errorf("raop: dmap tag %q: %d unparsed child bytes", tag, len(leftover))
		}
		item.Children = children
	case DMAPUint:
		item.Value = decodeDMAPUint(value)
		item.Raw = value
	case DMAPStr:
		item.Str = string(value)
		item.Raw = value
	case DMAPDate, DMAPVersion:
		item.Value = decodeDMAPUint(value)
		item.Str = string(value)
		item.Raw = value
	default:
		item.Raw = value
	}

	return item, rest, nil
}

func decodeDMAPUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		return binary.BigEndian.Uint64(b)
	default:
		var v uint64
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v
	}
}

// Find returns the first item in the tree (depth-first) whose Tag
// matches, or nil.
func Find(items []*DMAPItem, tag string) *DMAPItem {
	for _, it := range items {
		if it.Tag == tag {
			return it
		}
		if found := Find(it.Children, tag); found != nil {
			return found
		}
	}
	return nil
}
