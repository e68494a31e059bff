package durable

import (
	"path/filepath"
	"testing"
)

func TestSQLiteQueueContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.db")
	open := func(t *testing.T) Queue {
		q, err := OpenSQLiteQueue(path, "p-1")
		if err != nil {
			t.Fatalf("open sqlite queue: %v", err)
		}
		return q
	}
	queueContract(t, open, open)
}

func TestSQLiteQueueIsolatesProducers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.db")
	qa, err := OpenSQLiteQueue(path, "p-a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer qa.Close()
	qb, err := OpenSQLiteQueue(path, "p-b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer qb.Close()

	if err := qa.StoreMessageSent(Message{SeqNr: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	st, err := qb.LoadState()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.CurrentSeqNr != 1 || len(st.Unconfirmed) != 0 {
		t.Fatalf("producer state leaked across ids: %+v", st)
	}
}
