package history

import (
	"fmt"
	"sync"
	"testing"
)

func TestStartsEmpty(t *testing.T) {
	s := New()
	if n := len(s.All()); n != 0 {
		t.Fatalf("len=%d", n)
	}
}

func TestAppendOrder(t *testing.T) {
	s := New()
	const n = 25
	for i := 0; i < n; i++ {
		s.Append(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	all := s.All()
	if len(all) != n || s.Len() != n {
		t.Fatalf("len=%d want %d", len(all), n)
	}
	for i, e := range all {
		if e.Prompt != fmt.Sprintf("q%d", i) || e.Response != fmt.Sprintf("a%d", i) {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}
}

func TestAllReturnsCopy(t *testing.T) {
	s := New()
	s.Append("q", "a")
	got := s.All()
	got[0].Response = "tampered"
	if s.All()[0].Response != "a" {
		t.Fatalf("store entry was mutated through All()")
	}
}

func TestDuplicatesKept(t *testing.T) {
	s := New()
	s.Append("same", "same")
	s.Append("same", "same")
	if s.Len() != 2 {
		t.Fatalf("duplicates must not be collapsed")
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); s.Append("q", "a") }()
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("len=%d", s.Len())
	}
}
