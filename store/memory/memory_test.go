package memory

import (
	"testing"

	"github.com/absmach/mqtt-registry/store"
)

func TestTransactionWriteRead(t *testing.T) {
	s := New()

	err := s.Transaction(func(tx store.Tx) error {
		return tx.WriteTrieNode(&store.TrieNode{NodeID: store.RootNodeID, EdgeCount: 1})
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	n, ok := s.DirtyReadTrieNode(store.RootNodeID)
	if !ok {
		t.Fatal("expected root node to exist")
	}
	if n.EdgeCount != 1 {
		t.Errorf("EdgeCount: got %d, want 1", n.EdgeCount)
	}
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	s := New()

	err := s.Transaction(func(tx store.Tx) error {
		if err := tx.WriteTrieNode(&store.TrieNode{NodeID: "x"}); err != nil {
			return err
		}
		return errAbort
	})
	if err != errAbort {
		t.Fatalf("expected errAbort, got %v", err)
	}

	if _, ok := s.DirtyReadTrieNode("x"); ok {
		t.Error("expected the write made before the abort to be discarded")
	}
}

var errAbort = errTest("abort")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestBagSemanticsMultipleNodesPerFilter(t *testing.T) {
	s := New()

	err := s.Transaction(func(tx store.Tx) error {
		if err := tx.WriteTopicRecord(&store.TopicRecord{Filter: "a/b", Node: "n1"}); err != nil {
			return err
		}
		return tx.WriteTopicRecord(&store.TopicRecord{Filter: "a/b", Node: "n2"})
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	recs := s.DirtyMatchTopicRecords("a/b")
	if len(recs) != 2 {
		t.Fatalf("expected 2 topic records, got %d", len(recs))
	}
}

func TestSubscriberUpsertOverwritesQoS(t *testing.T) {
	s := New()

	write := func(qos byte) {
		err := s.Transaction(func(tx store.Tx) error {
			return tx.WriteSubscriber(&store.SubscriberRecord{Filter: "a/b", ClientID: "c1", QoS: qos})
		})
		if err != nil {
			t.Fatalf("Transaction failed: %v", err)
		}
	}

	write(0)
	write(2)

	recs := s.DirtyMatchSubscribers("a/b")
	if len(recs) != 1 {
		t.Fatalf("expected 1 subscriber record, got %d", len(recs))
	}
	if recs[0].QoS != 2 {
		t.Errorf("QoS: got %d, want 2", recs[0].QoS)
	}
}

func TestResetClearsAllTables(t *testing.T) {
	s := New()
	_ = s.Transaction(func(tx store.Tx) error {
		_ = tx.WriteTrieNode(&store.TrieNode{NodeID: store.RootNodeID})
		_ = tx.WriteTopicRecord(&store.TopicRecord{Filter: "a", Node: "n1"})
		return tx.WriteSubscriber(&store.SubscriberRecord{Filter: "a", ClientID: "c1"})
	})

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if _, ok := s.DirtyReadTrieNode(store.RootNodeID); ok {
		t.Error("expected root node to be gone after Reset")
	}
	if recs := s.DirtyMatchTopicRecords("a"); len(recs) != 0 {
		t.Errorf("expected no topic records after Reset, got %d", len(recs))
	}
	if recs := s.DirtyMatchSubscribers("a"); len(recs) != 0 {
		t.Errorf("expected no subscriber records after Reset, got %d", len(recs))
	}
}
