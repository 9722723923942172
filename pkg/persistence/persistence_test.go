package persistence

import (
	"errors"
	"os"
	"testing"
)

type doc struct {
	Data []string `json:"data"`
}

func TestJSONFileStore_SaveLoad(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	st := svc.NewStore("orders", "p2p", "snapshot")

	var empty doc
	if err := st.Load(&empty); !errors.Is(err, ErrNotExists) {
		t.Fatalf("expected ErrNotExists, got %v", err)
	}

	if err := st.Save(doc{Data: []string{"a", "b"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var got doc
	if err := st.Load(&got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Data) != 2 || got.Data[1] != "b" {
		t.Fatalf("unexpected %v", got.Data)
	}

	fs := st.(*JSONFileStore)
	if _, err := os.Stat(fs.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file must be renamed away, stat err=%v", err)
	}
}

func TestJSONFileStore_KeyIsSanitized(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	st := svc.NewStore("a/b", "c d", "e").(*JSONFileStore)
	if got := st.Path(); got != svc.BaseDir()+"/a_b_c_d_e.json" {
		t.Fatalf("unexpected path %s", got)
	}
}
