package jellyfish

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Fantom-foundation/Jellyfish/common"
)

func TestRestore_RebuildsTreeFromChunks(t *testing.T) {
	source, root, updates := buildTestTree(t, 23)

	target := newMemoryTree()
	restore := NewRestore(target, 0, root)

	const chunkSize = 5
	for begin := 0; begin < len(updates); begin += chunkSize {
		end := begin + chunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[begin:end]
		proof, err := source.GetRangeProof(chunk[len(chunk)-1].Key, 0)
		if err != nil {
			t.Fatalf("failed to produce chunk proof: %s", err)
		}
		if err := restore.AddChunk(chunk, proof); err != nil {
			t.Fatalf("failed to add chunk: %s", err)
		}
	}
	if err := restore.Finish(); err != nil {
		t.Fatalf("failed to finish restore: %s", err)
	}

	restored := NewTree(target)
	if got, err := restored.GetRootHash(0); err != nil || got != root {
		t.Fatalf("invalid restored root hash: %x, err %v", got, err)
	}
	for _, update := range updates {
		value, proof, err := restored.GetWithProof(update.Key, 0)
		if err != nil || !bytes.Equal(value, update.Value) {
			t.Fatalf("invalid restored value for %x: %x, err %v", update.Key, value, err)
		}
		if err := proof.Verify(root, update.Key, value); err != nil {
			t.Errorf("proof for restored account %x does not verify: %s", update.Key, err)
		}
	}

	key, exists, err := LatestRestoredKey(target, 0)
	if err != nil || !exists {
		t.Fatalf("failed to locate latest restored key: exists=%t, err %v", exists, err)
	}
	if want := updates[len(updates)-1].Key; key != want {
		t.Errorf("invalid latest restored key, wanted %x, got %x", want, key)
	}
}

func TestRestore_RejectsInvalidChunks(t *testing.T) {
	source, root, updates := buildTestTree(t, 10)

	proof, err := source.GetRangeProof(updates[2].Key, 0)
	if err != nil {
		t.Fatalf("failed to produce chunk proof: %s", err)
	}

	restore := NewRestore(newMemoryTree(), 0, root)
	if err := restore.AddChunk(nil, proof); err == nil {
		t.Errorf("empty chunk not rejected")
	}
	if err := restore.AddChunk([]ValueUpdate{{Key: updates[0].Key, Value: nil}}, proof); err == nil {
		t.Errorf("chunk with missing state not rejected")
	}

	tampered := []ValueUpdate{
		{Key: updates[0].Key, Value: updates[0].Value},
		{Key: updates[1].Key, Value: []byte("tampered")},
		{Key: updates[2].Key, Value: updates[2].Value},
	}
	if err := restore.AddChunk(tampered, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("tampered chunk not rejected, got %v", err)
	}

	unsorted := []ValueUpdate{
		{Key: updates[1].Key, Value: updates[1].Value},
		{Key: updates[0].Key, Value: updates[0].Value},
		{Key: updates[2].Key, Value: updates[2].Value},
	}
	if err := restore.AddChunk(unsorted, proof); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("unsorted chunk not rejected, got %v", err)
	}

	// a rejected chunk must not poison later valid ones
	valid := updates[:3]
	if err := restore.AddChunk(valid, proof); err != nil {
		t.Errorf("valid chunk rejected after invalid attempts: %s", err)
	}
}

func TestRestore_EmptyTree(t *testing.T) {
	target := newMemoryTree()
	restore := NewRestore(target, 0, common.Hash{})
	if err := restore.Finish(); err != nil {
		t.Fatalf("failed to restore empty tree: %s", err)
	}
	if got, err := NewTree(target).GetRootHash(0); err != nil || got != (common.Hash{}) {
		t.Errorf("invalid restored root hash: %x, err %v", got, err)
	}
}

func TestRestore_DetectsRootMismatchOnFinish(t *testing.T) {
	restore := NewRestore(newMemoryTree(), 0, common.Keccak256([]byte("expected root")))
	if err := restore.Finish(); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("root mismatch not detected, got %v", err)
	}
}

func TestRestore_LatestRestoredKeyOnEmptyStore(t *testing.T) {
	if _, exists, err := LatestRestoredKey(newMemoryTree(), 0); err != nil || exists {
		t.Errorf("empty store reported a restored key: exists=%t, err %v", exists, err)
	}
}
