package persist

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemStoreFlushSemantics(t *testing.T) {
	s := NewMemStore()
	s.Write(5, []byte{1, 2, 3})

	// Pending writes are readable within the task.
	got, err := s.Read(5)
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("pending read: %v %v", got, err)
	}

	// DropWrites discards without committing.
	s.DropWrites()
	if _, err := s.Read(5); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("dropped write still readable: %v", err)
	}

	s.Write(5, []byte{9})
	if err := s.FlushWrites(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err = s.Read(5)
	if err != nil || !bytes.Equal(got, []byte{9}) {
		t.Fatalf("committed read: %v %v", got, err)
	}

	// The root digest only reflects committed contents.
	before := s.SimpleHashCode()
	s.Write(6, []byte{7})
	if !bytes.Equal(before, s.SimpleHashCode()) {
		t.Error("pending write changed the root digest")
	}
	s.FlushWrites()
	if bytes.Equal(before, s.SimpleHashCode()) {
		t.Error("committed write did not change the root digest")
	}
}

func TestBoltStoreFlushAtomicity(t *testing.T) {
	db, err := OpenBoltGraphDB(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	s, err := db.Graph([]byte("addr1"))
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	s.Write(2, []byte("a"))
	s.Write(3, []byte("b"))
	s.DropWrites()
	if _, err := s.Read(2); err == nil {
		t.Fatal("dropped write visible")
	}

	s.Write(2, []byte("a"))
	s.Write(3, []byte("b"))
	if err := s.FlushWrites(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := s.Read(3)
	if err != nil || !bytes.Equal(got, []byte("b")) {
		t.Fatalf("read after flush: %v %v", got, err)
	}

	// Distinct graphs are isolated.
	s2, err := db.Graph([]byte("addr2"))
	if err != nil {
		t.Fatalf("graph2: %v", err)
	}
	if _, err := s2.Read(2); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("cross-graph leak: %v", err)
	}
}

func TestEnvironmentRecordRoundTrip(t *testing.T) {
	e := EnvironmentState{NextInstanceID: 0x0102030405060708, NextHashCode: -7}
	blob := e.Encode()
	if len(blob) != 12 {
		t.Fatalf("environment record must be 12 bytes, got %d", len(blob))
	}
	decoded, err := DecodeEnvironment(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != e {
		t.Errorf("round trip: got %+v", decoded)
	}

	if _, err := DecodeEnvironment(blob[:11]); err == nil {
		t.Fatal("expected length rejection")
	}
}

func TestLoadEnvironmentDefaultsWhenAbsent(t *testing.T) {
	s := NewMemStore()
	e, err := LoadEnvironment(s)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e != InitialEnvironment() {
		t.Errorf("fresh store environment: %+v", e)
	}

	SaveEnvironment(s, EnvironmentState{NextInstanceID: 42, NextHashCode: 17})
	s.FlushWrites()
	e, err = LoadEnvironment(s)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e.NextInstanceID != 42 || e.NextHashCode != 17 {
		t.Errorf("saved environment: %+v", e)
	}
}
