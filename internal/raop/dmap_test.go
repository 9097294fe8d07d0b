package raop

import (
	"encoding/binary"
	"testing"
)

func encodeTag(tag string, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	copy(buf[0:4], tag)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(value)))
	copy(buf[8:], value)
	return buf
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestParseDMAPLeafUint(t *testing.T) {
	buf := encodeTag("miid", encodeUint32(42))
	items, err := ParseDMAP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != DMAPUint || items[0].Value != 42 {
		t.Fatalf("got %+v, want a single uint item with value 42", items)
	}
}

func TestParseDMAPLeafString(t *testing.T) {
	buf := encodeTag("minm", []byte("Track Title"))
	items, err := ParseDMAP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != DMAPStr || items[0].Str != "Track Title" {
		t.Fatalf("got %+v, want minm = \"Track Title\"", items)
	}
}

func TestParseDMAPContainerNesting(t *testing.T) {
	inner := append(encodeTag("minm", []byte("Song")), encodeTag("asar", []byte("Artist"))...)
	outer := encodeTag("mlit", inner)

	items, err := ParseDMAP(outer)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != DMAPContainer {
		t.Fatalf("got %+v, want a single container", items)
	}
	if len(items[0].Children) != 2 {
		t.Fatalf("container has %d children, want 2", len(items[0].Children))
	}

	if title := Find(items, "minm"); title == nil || title.Str != "Song" {
		t.Errorf("Find(minm) = %+v, want \"Song\"", title)
	}
	if artist := Find(items, "asar"); artist == nil || artist.Str != "Artist" {
		t.Errorf("Find(asar) = %+v, want \"Artist\"", artist)
	}
}

func TestParseDMAPUnknownTagKeepsRawBytes(t *testing.T) {
	buf := encodeTag("xyzz", []byte{1, 2, 3})
	items, err := ParseDMAP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Type != DMAPUnknown || items[0].FullTag != "xyzz" {
		t.Fatalf("got %+v, want an unknown leaf tagged xyzz", items)
	}
}

func TestParseDMAPTruncatedHeaderErrors(t *testing.T) {
	if _, err := ParseDMAP([]byte{'m', 'i', 'i'}); err == nil {
		t.Fatal("expected an error for a truncated header")
	}
}

func TestParseDMAPShortValueErrors(t *testing.T) {
	buf := encodeTag("miid", encodeUint32(42))
	buf = buf[:len(buf)-1] // claim 4 bytes of value, supply 3
	if _, err := ParseDMAP(buf); err == nil {
		t.Fatal("expected an error for a value shorter than its declared length")
	}
}

func TestFindMissingTagReturnsNil(t *testing.T) {
	buf := encodeTag("miid", encodeUint32(1))
	items, err := ParseDMAP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if Find(items, "nope") != nil {
		t.Error("Find of an absent tag should return nil")
	}
}
