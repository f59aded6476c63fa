package role

import (
	"errors"
	"testing"
)

func testRoles() []Role {
	return []Role{
		{Key: "SanYaku", Rank: 4, Label: "三役"},
		{Key: "KumiYakuin", Rank: 3, Label: "組役員"},
		{Key: "Yakuin", Rank: 2, Label: "役員"},
		{Key: "Member", Rank: 1, Label: "会員"},
		{Key: "Blocked", Rank: 0, Label: "停止"},
	}
}

func TestRegistryLookups(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(testRoles())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if rank, err := r.Rank("Yakuin"); err != nil || rank != 2 {
		t.Fatalf("Rank(Yakuin) = %d, %v", rank, err)
	}
	if label, err := r.Label("SanYaku"); err != nil || label != "三役" {
		t.Fatalf("Label(SanYaku) = %q, %v", label, err)
	}
	if !r.IsKnown("Member") || r.IsKnown("Chairman") {
		t.Fatal("IsKnown returned unexpected result")
	}
	if got := r.Highest().Key; got != "SanYaku" {
		t.Fatalf("Highest = %s, want SanYaku", got)
	}
	if got := r.DefaultMember().Key; got != "Member" {
		t.Fatalf("DefaultMember = %s, want Member", got)
	}
}

func TestRegistryUnknownRole(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(testRoles())

	_, err := r.Rank("Chairman")
	var unknown *UnknownRoleError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownRoleError, got %v", err)
	}
	if unknown.Key != "Chairman" {
		t.Fatalf("Key = %q", unknown.Key)
	}
	if _, err := r.Label("Chairman"); err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestNewRegistryRejectsBadTables(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		roles []Role
	}{
		{name: "empty", roles: nil},
		{name: "duplicate rank", roles: []Role{{Key: "A", Rank: 1}, {Key: "B", Rank: 1}}},
		{name: "duplicate key", roles: []Role{{Key: "A", Rank: 1}, {Key: "A", Rank: 2}}},
		{name: "negative rank", roles: []Role{{Key: "A", Rank: -1}}},
		{name: "blank key", roles: []Role{{Key: " ", Rank: 1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.roles); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestRolesDescending(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry([]Role{{Key: "Member", Rank: 1}, {Key: "SanYaku", Rank: 4}, {Key: "Blocked", Rank: 0}})
	got := r.Roles()
	if got[0].Key != "SanYaku" || got[2].Key != "Blocked" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Label != "Member" {
		t.Fatalf("label should default to key, got %q", got[1].Label)
	}
}
