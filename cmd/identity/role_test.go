package identity

import (
	"encoding/json"
	"testing"
)

func TestHasRole_Monotonic(t *testing.T) {
	t.Parallel()

	roles := []Role{RoleClient, RoleUser, RoleManager, RoleAdmin}
	for i, have := range roles {
		u := User{Role: have}
		for j, need := range roles {
			want := i >= j
			if got := HasRole(u, need); got != want {
				t.Fatalf("HasRole(%s, %s)=%v want %v", have, need, got, want)
			}
		}
	}
}

func TestHasRole_Unknown(t *testing.T) {
	t.Parallel()

	if HasRole(User{}, RoleClient) {
		t.Fatalf("user without role must not satisfy client")
	}
	if HasRole(User{Role: RoleAdmin}, RoleUnknown) {
		t.Fatalf("unknown requirement must never be satisfied")
	}
	if HasRole(User{Role: Role(99)}, RoleClient) {
		t.Fatalf("out-of-range role must not satisfy anything")
	}
}

func TestHasPermission(t *testing.T) {
	t.Parallel()

	cases := []struct {
		role Role
		perm string
		want bool
	}{
		{RoleAdmin, PermSessionsRevoke, true},
		{RoleAdmin, "anything:at-all", true},
		{RoleManager, PermBlogWrite, true},
		{RoleManager, PermSessionsRevoke, false},
		{RoleUser, PermBlogRead, true},
		{RoleUser, PermBlogWrite, false},
		{RoleClient, PermProjectsRead, true},
		{RoleClient, PermBlogRead, false},
		{RoleClient, PermWildcard, false},
		{RoleUnknown, PermProfileRead, false},
	}
	for _, tc := range cases {
		if got := HasPermission(User{Role: tc.role}, tc.perm); got != tc.want {
			t.Fatalf("HasPermission(%s, %q)=%v want %v", tc.role, tc.perm, got, tc.want)
		}
	}
}

func TestPermissions_LowerRolesAreSubsets(t *testing.T) {
	t.Parallel()

	order := []Role{RoleClient, RoleUser, RoleManager}
	for i := 1; i < len(order); i++ {
		for _, p := range Permissions(order[i-1]) {
			if !HasPermission(User{Role: order[i]}, p) {
				t.Fatalf("%s lacks %q held by %s", order[i], p, order[i-1])
			}
		}
	}
	if got := Permissions(RoleAdmin); len(got) != 1 || got[0] != PermWildcard {
		t.Fatalf("admin permissions=%v", got)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Role{
		"client":  RoleClient,
		" User ":  RoleUser,
		"MANAGER": RoleManager,
		"admin":   RoleAdmin,
	} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q)=(%v,%v) want %v", in, got, err, want)
		}
	}
	if _, err := ParseRole("superuser"); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRole_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(User{ID: "u1", Role: RoleManager, Status: StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["role"] != "manager" {
		t.Fatalf("role encoded as %v", m["role"])
	}

	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		t.Fatal(err)
	}
	if u.Role != RoleManager {
		t.Fatalf("decoded role %v", u.Role)
	}
	if err := json.Unmarshal([]byte(`{"role":"root"}`), &u); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if _, err := json.Marshal(User{}); err == nil {
		t.Fatalf("expected error marshalling user without role")
	}
}
