package registry

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestAdd_AssignsOrdinalsAndDefaultNames(t *testing.T) {
	r := New()

	a := r.Add("a")
	b := r.Add("b")

	if a.Ordinal != 1 || b.Ordinal != 2 {
		t.Fatalf("ordinals=(%d,%d), want (1,2)", a.Ordinal, b.Ordinal)
	}
	if a.DisplayName != "User 1" || b.DisplayName != "User 2" {
		t.Fatalf("names=(%q,%q), want (\"User 1\",\"User 2\")", a.DisplayName, b.DisplayName)
	}
	if got, want := r.Snapshot(), []string{"User 1", "User 2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot=%v, want %v", got, want)
	}
}

func TestAdd_OrdinalsAreNeverReused(t *testing.T) {
	r := New()
	r.Add("a")
	r.Add("b")
	r.Remove("b")

	c := r.Add("c")
	if c.Ordinal != 3 {
		t.Fatalf("ordinal=%d, want 3", c.Ordinal)
	}
	if c.DisplayName != "User 3" {
		t.Fatalf("name=%q, want %q", c.DisplayName, "User 3")
	}
}

func TestAdd_ExistingIDReturnsExistingRecord(t *testing.T) {
	r := New()
	first := r.Add("a")
	r.Rename("a", "Alice")

	again := r.Add("a")
	if again.Ordinal != first.Ordinal {
		t.Fatalf("ordinal=%d, want %d", again.Ordinal, first.Ordinal)
	}
	if again.DisplayName != "Alice" {
		t.Fatalf("name=%q, want Alice", again.DisplayName)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d, want 1", r.Len())
	}
}

func TestRemove_IsIdempotent(t *testing.T) {
	r := New()
	r.Add("a")

	if !r.Remove("a") {
		t.Fatalf("expected first remove to report true")
	}
	if r.Remove("a") {
		t.Fatalf("expected second remove to be a no-op")
	}
	if r.Remove("never-added") {
		t.Fatalf("expected remove of unknown id to be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
}

func TestRemove_PreservesOrderOfRemaining(t *testing.T) {
	r := New()
	r.Add("a")
	r.Add("b")
	r.Add("c")
	r.Rename("c", "Carol")

	r.Remove("b")

	if got, want := r.Snapshot(), []string{"User 1", "Carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot=%v, want %v", got, want)
	}
}

func TestRename(t *testing.T) {
	r := New()
	r.Add("a")

	if !r.Rename("a", "Alice") {
		t.Fatalf("expected rename to apply")
	}
	if r.Rename("a", "") {
		t.Fatalf("expected empty rename to be ignored")
	}
	if r.Rename("missing", "Bob") {
		t.Fatalf("expected rename of unknown id to be ignored")
	}

	p, ok := r.Get("a")
	if !ok {
		t.Fatalf("expected record for a")
	}
	if p.DisplayName != "Alice" {
		t.Fatalf("name=%q, want Alice", p.DisplayName)
	}
}

func TestSnapshot_EmptyIsNonNil(t *testing.T) {
	r := New()
	snap := r.Snapshot()
	if snap == nil {
		t.Fatalf("expected non-nil snapshot")
	}
	if len(snap) != 0 {
		t.Fatalf("len=%d, want 0", len(snap))
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New()
	r.Add("a")

	snap := r.Snapshot()
	snap[0] = "mutated"

	if got := r.Snapshot()[0]; got != "User 1" {
		t.Fatalf("registry was mutated through snapshot: %q", got)
	}
}

// For any sequence of operations the snapshot length equals adds minus
// removes, and every name is either a rename target or a placeholder.
func TestRandomOperationSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 200; iter++ {
		r := New()
		live := map[string]bool{}
		renamed := map[string]bool{}
		adds, removes := 0, 0

		for step := 0; step < 50; step++ {
			id := fmt.Sprintf("p%d", rng.Intn(10))
			switch rng.Intn(3) {
			case 0:
				if !live[id] {
					adds++
					live[id] = true
				}
				r.Add(id)
			case 1:
				if r.Remove(id) {
					removes++
					delete(live, id)
				}
			case 2:
				name := ""
				if rng.Intn(4) != 0 {
					name = "name-" + id
				}
				r.Rename(id, name)
				if name != "" {
					renamed[name] = true
				}
			}
		}

		snap := r.Snapshot()
		if len(snap) != adds-removes {
			t.Fatalf("iter %d: len=%d, want %d", iter, len(snap), adds-removes)
		}
		for _, name := range snap {
			if renamed[name] || strings.HasPrefix(name, DefaultNamePrefix+" ") {
				continue
			}
			t.Fatalf("iter %d: unexpected name %q", iter, name)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			r.Add(id)
			r.Rename(id, fmt.Sprintf("name-%d", i))
			_ = r.Snapshot()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 8 {
		t.Fatalf("len=%d, want 8", r.Len())
	}
	for _, name := range r.Snapshot() {
		if !strings.HasPrefix(name, "name-") {
			t.Fatalf("unexpected name %q", name)
		}
	}
}
