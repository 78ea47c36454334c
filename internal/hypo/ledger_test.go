package hypo

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestLedger_AttachMoveDetach(t *testing.T) {
	l := NewLedger()
	p := Ref{Kind: KindPick, ID: "p1"}

	if !l.Attach(p, "a") {
		t.Fatal("Attach to free ref failed")
	}
	if l.Attach(p, "b") {
		t.Error("Attach stole an owned ref")
	}
	if l.Move(p, "b", "c") {
		t.Error("Move succeeded from a non-owner")
	}
	if !l.Move(p, "a", "b") {
		t.Fatal("Move from owner failed")
	}
	if owner, _ := l.Owner(p); owner != "b" {
		t.Errorf("Owner = %q, want b", owner)
	}
	if l.Count("a") != 0 || l.Count("b") != 1 {
		t.Errorf("counts a=%d b=%d, want 0 and 1", l.Count("a"), l.Count("b"))
	}
	if l.Detach(p, "a") {
		t.Error("Detach by non-owner succeeded")
	}
	if !l.Detach(p, "b") || !l.Free(p) {
		t.Error("Detach by owner did not free the ref")
	}
	if err := l.Audit(); err != nil {
		t.Errorf("Audit: %v", err)
	}
}

func TestLedger_CloseAndTransfer(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 3; i++ {
		l.Attach(Ref{Kind: KindPick, ID: fmt.Sprintf("p%d", i)}, "donor")
	}
	l.Attach(Ref{Kind: KindCorrelation, ID: "c1"}, "survivor")

	moved, err := l.Transfer("donor", "survivor", 10)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(moved) != 3 {
		t.Errorf("moved %d, want 3", len(moved))
	}
	if l.Count("survivor") != 4 || l.Count("donor") != 0 {
		t.Errorf("counts survivor=%d donor=%d", l.Count("survivor"), l.Count("donor"))
	}
	if l.Attach(Ref{Kind: KindPick, ID: "late"}, "donor") {
		t.Error("Attach to a closed hypo succeeded")
	}
	if _, err := l.Transfer("survivor", "donor", 11); err == nil {
		t.Error("Transfer into a closed hypo succeeded")
	}

	released := l.Close("survivor", 12)
	if len(released) != 4 {
		t.Errorf("Close released %d, want 4", len(released))
	}
	if released[0].Kind != KindPick || released[len(released)-1].Kind != KindCorrelation {
		t.Errorf("released not sorted by kind: %v", released)
	}
	if n := l.PurgeClosed(11); n != 1 {
		t.Errorf("PurgeClosed = %d, want 1", n)
	}
	if err := l.Audit(); err != nil {
		t.Errorf("Audit: %v", err)
	}
}

func TestLedger_AtMostOneOwnerUnderContention(t *testing.T) {
	l := NewLedger()
	refs := make([]Ref, 50)
	for i := range refs {
		refs[i] = Ref{Kind: KindPick, ID: fmt.Sprintf("p%02d", i)}
	}
	hypos := []string{"h0", "h1", "h2", "h3"}

	var wg sync.WaitGroup
	for w, h := range hypos {
		wg.Add(1)
		go func(w int, h string) {
			defer wg.Done()
			for round := 0; round < 200; round++ {
				r := refs[(round*7+w)%len(refs)]
				switch round % 3 {
				case 0:
					l.Attach(r, h)
				case 1:
					if owner, ok := l.Owner(r); ok && owner != h {
						l.Move(r, owner, h)
					}
				default:
					l.Detach(r, h)
				}
			}
		}(w, h)
	}
	wg.Wait()

	if err := l.Audit(); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	total := 0
	for _, h := range hypos {
		for _, r := range l.Members(h) {
			if owner, _ := l.Owner(r); owner != h {
				t.Errorf("%s listed under %s but owned by %s", r.ID, h, owner)
			}
			total++
		}
	}
	owned := 0
	for _, r := range refs {
		if !l.Free(r) {
			owned++
		}
	}
	if total != owned {
		t.Errorf("member total %d != owned refs %d", total, owned)
	}
}

func TestLedger_AuditDetectsCorruption(t *testing.T) {
	l := NewLedger()
	r := Ref{Kind: KindPick, ID: "p"}
	l.Attach(r, "a")
	// corrupt the reverse index directly
	delete(l.members["a"], r)
	if err := l.Audit(); !errors.Is(err, ErrInvariant) {
		t.Errorf("Audit = %v, want ErrInvariant", err)
	}
}
