package link

import (
	"errors"
	"testing"

	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestTableLidParity(t *testing.T) {
	testlog.Start(t)

	out := NewTable(true)
	in := NewTable(false)
	for i := 0; i < 3; i++ {
		if lid := out.AddNew(NewCallback(nil)); lid%2 != 1 {
			t.Fatalf("outbound lid %d should be odd", lid)
		}
		if lid := in.AddNew(NewCallback(nil)); lid%2 != 0 || lid == 0 {
			t.Fatalf("inbound lid %d should be even and non-zero", lid)
		}
	}
	if out.Len() != 3 || in.Len() != 3 {
		t.Fatalf("unexpected sizes out=%d in=%d", out.Len(), in.Len())
	}
}

func TestTableAddRejectsTakenAndZeroLid(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable(true)
	if err := tbl.Add(7, NewCallback(nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := tbl.Add(7, NewCallback(nil)); !errors.Is(err, ErrLidInUse) {
		t.Fatalf("expected ErrLidInUse, got %v", err)
	}
	if err := tbl.Add(0, NewCallback(nil)); !errors.Is(err, ErrLidInUse) {
		t.Fatalf("expected ErrLidInUse for lid 0, got %v", err)
	}
	// 7 is taken, so allocation skips it.
	tbl.next = 7
	if lid := tbl.AddNew(NewCallback(nil)); lid != 9 {
		t.Fatalf("expected lid 9, got %d", lid)
	}
}

func TestTableDelIfOnlyRemovesOwner(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable(false)
	a, b := NewCallback(nil), NewCallback(nil)
	lid := tbl.AddNew(a)
	if tbl.DelIf(lid, b) {
		t.Fatalf("DelIf removed a socket it does not own")
	}
	if !tbl.DelIf(lid, a) {
		t.Fatalf("DelIf did not remove owner")
	}
	if _, ok := tbl.Get(lid); ok {
		t.Fatalf("lid %d still registered", lid)
	}
	if tbl.DelIf(lid, a) {
		t.Fatalf("second DelIf should be a no-op")
	}
}

func TestTableSnapshotAndDrain(t *testing.T) {
	testlog.Start(t)

	tbl := NewTable(true)
	ep := NewMaster(nil, 5, nil)
	if err := tbl.Add(5, ep); err != nil {
		t.Fatalf("add endpoint: %v", err)
	}
	if err := tbl.Add(3, NewCallback(nil)); err != nil {
		t.Fatalf("add callback: %v", err)
	}

	rows := tbl.Snapshot()
	if len(rows) != 2 || rows[0].Lid != 3 || rows[1].Lid != 5 {
		t.Fatalf("unexpected snapshot: %+v", rows)
	}
	if rows[0].Kind != "callback" || rows[1].Kind != "endpoint" {
		t.Fatalf("unexpected kinds: %+v", rows)
	}
	if rows[1].Role != "master" || rows[1].State != "pending" {
		t.Fatalf("unexpected endpoint row: %+v", rows[1])
	}

	drained := tbl.Drain()
	if len(drained) != 2 || tbl.Len() != 0 {
		t.Fatalf("drain returned %d, left %d", len(drained), tbl.Len())
	}
}
