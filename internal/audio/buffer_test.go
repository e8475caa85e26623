package audio

import (
	"sync"
	"testing"
)

func TestStreamBuffer_RoundTrip(t *testing.T) {
	b := NewStreamBuffer()

	b.Append([]int16{1, 2, 3})
	b.Append([]int16{4, 5})

	got := b.DrainAll()
	want := []int16{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestStreamBuffer_DrainClearsBuffer(t *testing.T) {
	b := NewStreamBuffer()
	b.Append([]int16{1, 2, 3})

	b.DrainAll()
	if b.Len() != 0 {
		t.Errorf("Expected Len 0 after drain, got %d", b.Len())
	}
	if got := b.DrainAll(); len(got) != 0 {
		t.Errorf("Expected second drain to return nothing, got %d samples", len(got))
	}
}

func TestStreamBuffer_EmptyAppend(t *testing.T) {
	b := NewStreamBuffer()
	b.Append(nil)
	b.Append([]int16{})
	if b.Len() != 0 {
		t.Errorf("Expected empty appends to leave Len 0, got %d", b.Len())
	}
}

func TestStreamBuffer_Len(t *testing.T) {
	b := NewStreamBuffer()
	if b.Len() != 0 {
		t.Errorf("Expected new buffer Len 0, got %d", b.Len())
	}
	b.Append(make([]int16, 4096))
	if b.Len() != 4096 {
		t.Errorf("Expected Len 4096, got %d", b.Len())
	}
}

func TestStreamBuffer_ConcurrentAppendAndDrain(t *testing.T) {
	b := NewStreamBuffer()

	const writers = 4
	const perWriter = 1000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Append([]int16{1})
			}
		}()
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(b.DrainAll())
		select {
		case <-done:
			drained += len(b.DrainAll())
			if drained != writers*perWriter {
				t.Errorf("Expected %d samples total, got %d", writers*perWriter, drained)
			}
			return
		default:
		}
	}
}
