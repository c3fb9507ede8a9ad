package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryDirectory_CreateAndLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewMemoryDirectory(testHasher())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	u, err := d.CreateUser(ctx, CreateUserInput{
		Email:    "  Dr.Jane@Example.com ",
		Name:     "Jane",
		Password: "correct horse battery",
		Role:     RoleManager,
		Profile:  json.RawMessage(`{"title":"Dr."}`),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" || u.Email != "Dr.Jane@Example.com" || u.Status != StatusActive {
		t.Fatalf("unexpected user %+v", u)
	}
	if !u.CreatedAt.Equal(now) || !u.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps not set from input")
	}

	byID, err := d.GetUserByID(ctx, u.ID)
	if err != nil || byID.ID != u.ID {
		t.Fatalf("GetUserByID=(%+v,%v)", byID, err)
	}
	byEmail, err := d.GetUserByEmail(ctx, "dr.jane@example.COM")
	if err != nil || byEmail.ID != u.ID {
		t.Fatalf("GetUserByEmail=(%+v,%v)", byEmail, err)
	}

	ua, err := d.GetUserAuthByEmail(ctx, "dr.jane@example.com")
	if err != nil {
		t.Fatalf("GetUserAuthByEmail: %v", err)
	}
	if ua.PasswordHash == "" || ua.PasswordHash == "correct horse battery" {
		t.Fatalf("password must be stored hashed")
	}

	// Returned values are copies.
	byID.Profile[0] = 'X'
	again, _ := d.GetUserByID(ctx, u.ID)
	if string(again.Profile) != `{"title":"Dr."}` {
		t.Fatalf("profile mutated through returned copy: %s", again.Profile)
	}
}

func TestMemoryDirectory_EmailUnique(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewMemoryDirectory(testHasher())
	in := CreateUserInput{Email: "a@example.com", Name: "A", Password: "password-one"}
	if _, err := d.CreateUser(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.Email = "A@EXAMPLE.com"
	_, err := d.CreateUser(ctx, in)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryDirectory_InvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewMemoryDirectory(testHasher())
	cases := map[string]CreateUserInput{
		"no email":    {Name: "A", Password: "password-one"},
		"bad email":   {Email: "nope", Name: "A", Password: "password-one"},
		"named email": {Email: "A <a@example.com>", Name: "A", Password: "password-one"},
		"no name":     {Email: "a@example.com", Password: "password-one"},
		"short pw":    {Email: "a@example.com", Name: "A", Password: "x"},
		"bad role":    {Email: "a@example.com", Name: "A", Password: "password-one", Role: Role(42)},
		"bad status":  {Email: "a@example.com", Name: "A", Password: "password-one", Status: "banned"},
		"bad profile": {Email: "a@example.com", Name: "A", Password: "password-one", Profile: json.RawMessage(`{`)},
	}
	for name, in := range cases {
		if _, err := d.CreateUser(ctx, in); !IsInvalidInput(err) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestMemoryDirectory_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewMemoryDirectory(testHasher())
	if _, err := d.GetUserByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := d.GetUserByEmail(ctx, "missing@example.com"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := d.SetStatus(ctx, "missing", StatusInactive, time.Now()); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryDirectory_SetStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewMemoryDirectory(testHasher())
	u, err := d.CreateUser(ctx, CreateUserInput{Email: "s@example.com", Name: "S", Password: "password-one"})
	if err != nil {
		t.Fatal(err)
	}
	later := u.UpdatedAt.Add(time.Hour)
	if err := d.SetStatus(ctx, u.ID, StatusSuspended, later); err != nil {
		t.Fatal(err)
	}
	got, _ := d.GetUserByID(ctx, u.ID)
	if got.Status != StatusSuspended || !got.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected %+v", got)
	}
	if err := d.SetStatus(ctx, u.ID, "weird", later); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
