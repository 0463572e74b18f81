package domain

import "testing"

func TestInvertSwapsPlacements(t *testing.T) {
	before := &Placement{InInbox: false, Position: &Point{X: 10, Y: 20}, SectionID: "s1"}
	after := &Placement{InInbox: false, Position: &Point{X: 100, Y: 200}, SectionID: "s2"}
	m := Mutation{Op: MutatePlace, EntityID: "t1", Before: before, After: after}

	inv := m.Invert()
	if inv.Op != MutatePlace {
		t.Fatalf("moving between sections must invert to another placement, got %q", inv.Op)
	}
	if inv.Before != after || inv.After != before {
		t.Fatal("before and after were not swapped")
	}
	if inv.EntityID != "t1" {
		t.Fatalf("entity id changed: %q", inv.EntityID)
	}
}

func TestInvertPlaceFromInboxBecomesReturn(t *testing.T) {
	m := Mutation{
		Op:       MutatePlace,
		EntityID: "t1",
		Before:   &Placement{InInbox: true},
		After:    &Placement{Position: &Point{X: 5, Y: 5}, SectionID: "s1"},
	}
	inv := m.Invert()
	if inv.Op != MutateReturnToInbox {
		t.Fatalf("expected %q, got %q", MutateReturnToInbox, inv.Op)
	}
	if !inv.After.InInbox {
		t.Fatal("inverted mutation must land the task back in the inbox")
	}
}

func TestInvertReturnToInboxBecomesPlace(t *testing.T) {
	m := Mutation{
		Op:       MutateReturnToInbox,
		EntityID: "t1",
		Before:   &Placement{Position: &Point{X: 5, Y: 5}, SectionID: "s1"},
		After:    &Placement{InInbox: true},
	}
	inv := m.Invert()
	if inv.Op != MutatePlace {
		t.Fatalf("expected %q, got %q", MutatePlace, inv.Op)
	}
	if inv.After.SectionID != "s1" {
		t.Fatalf("inverted placement lost its section: %+v", inv.After)
	}
}

func TestInvertSectionOps(t *testing.T) {
	cases := []struct{ op, want string }{
		{MutateSectionCreated, MutateSectionDeleted},
		{MutateSectionDeleted, MutateSectionCreated},
		{MutateSectionUpdated, MutateSectionUpdated},
	}
	for _, tc := range cases {
		inv := Mutation{Op: tc.op, EntityID: "s1"}.Invert()
		if inv.Op != tc.want {
			t.Errorf("%s inverted to %s, want %s", tc.op, inv.Op, tc.want)
		}
	}
}

func TestInvertIsAnInvolutionForPlacements(t *testing.T) {
	m := Mutation{
		Op:       MutatePlace,
		EntityID: "t1",
		Before:   &Placement{InInbox: true},
		After:    &Placement{Position: &Point{X: 1, Y: 2}, SectionID: "s1"},
	}
	back := m.Invert().Invert()
	if back.Op != m.Op || back.Before != m.Before || back.After != m.After {
		t.Fatalf("double inversion drifted: %+v", back)
	}
}
