package acp

import "testing"

func TestFileMetadataStore_ReadUnknownKeyReturnsNil(t *testing.T) {
	s := NewFileMetadataStore("")
	meta, err := s.Read("agent:default:telegram:direct:1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if meta != nil {
		t.Errorf("Read() = %+v, want nil for an unknown key", meta)
	}
}

func TestFileMetadataStore_UpsertCreatesAndReads(t *testing.T) {
	s := NewFileMetadataStore("")
	const key = "agent:default:telegram:direct:1"

	_, err := s.Upsert(key, func(current *SessionAcpMeta) *SessionAcpMeta {
		if current != nil {
			t.Fatal("expected current to be nil on first upsert")
		}
		return &SessionAcpMeta{SessionKey: key, Backend: "subprocess", Agent: "default"}
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got == nil || got.Backend != "subprocess" || got.Agent != "default" {
		t.Errorf("Read() = %+v, want the upserted entry", got)
	}
}

func TestFileMetadataStore_UpsertReturningNilDeletes(t *testing.T) {
	s := NewFileMetadataStore("")
	const key = "agent:default:telegram:direct:1"

	_, _ = s.Upsert(key, func(current *SessionAcpMeta) *SessionAcpMeta {
		return &SessionAcpMeta{SessionKey: key}
	})
	_, err := s.Upsert(key, func(current *SessionAcpMeta) *SessionAcpMeta {
		return nil
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != nil {
		t.Errorf("Read() = %+v, want nil after a deleting upsert", got)
	}
}

func TestFileMetadataStore_ReadReturnsACloneNotTheLiveEntry(t *testing.T) {
	s := NewFileMetadataStore("")
	const key = "agent:default:telegram:direct:1"
	_, _ = s.Upsert(key, func(current *SessionAcpMeta) *SessionAcpMeta {
		return &SessionAcpMeta{SessionKey: key, Backend: "subprocess"}
	})

	got, _ := s.Read(key)
	got.Backend = "mutated"

	got2, _ := s.Read(key)
	if got2.Backend != "subprocess" {
		t.Errorf("Read() returned a shared reference: mutating one read's result changed a later read (got %q)", got2.Backend)
	}
}

func TestFileMetadataStore_List(t *testing.T) {
	s := NewFileMetadataStore("")
	_, _ = s.Upsert("key-a", func(current *SessionAcpMeta) *SessionAcpMeta { return &SessionAcpMeta{SessionKey: "key-a"} })
	_, _ = s.Upsert("key-b", func(current *SessionAcpMeta) *SessionAcpMeta { return &SessionAcpMeta{SessionKey: "key-b"} })

	all, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() returned %d entries, want 2", len(all))
	}
}
