package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is a position in the ordered hierarchy client < user < manager < admin.
// The zero value is not a role and never satisfies a requirement.
type Role int

const (
	RoleUnknown Role = iota
	RoleClient
	RoleUser
	RoleManager
	RoleAdmin
)

var roleNames = [...]string{
	RoleUnknown: "",
	RoleClient:  "client",
	RoleUser:    "user",
	RoleManager: "manager",
	RoleAdmin:   "admin",
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r >= RoleClient && r <= RoleAdmin }

func (r Role) String() string {
	if !r.Valid() {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole maps a case-insensitive role name to its Role.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r := RoleClient; r <= RoleAdmin; r++ {
		if roleNames[r] == s {
			return r, nil
		}
	}
	return RoleUnknown, OpError{Op: "identity.ParseRole", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown role %q", s)}
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("identity: marshal invalid role %d", int(r))
	}
	return json.Marshal(roleNames[r])
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Permission names checked by handlers.
const (
	PermWildcard       = "*"
	PermProfileRead    = "profile:read"
	PermProfileWrite   = "profile:write"
	PermProjectsRead   = "projects:read"
	PermBlogRead       = "blog:read"
	PermBlogWrite      = "blog:write"
	PermMediaUpload    = "media:upload"
	PermContactsRead   = "contacts:read"
	PermMeetingsManage = "meetings:manage"
	PermUsersManage    = "users:manage"
	PermSessionsRevoke = "sessions:revoke"
)

// Admin is absent: it holds PermWildcard implicitly.
var rolePermissions = map[Role]map[string]struct{}{
	RoleClient: set(PermProfileRead, PermProfileWrite, PermProjectsRead),
	RoleUser:   set(PermProfileRead, PermProfileWrite, PermProjectsRead, PermBlogRead),
	RoleManager: set(
		PermProfileRead, PermProfileWrite, PermProjectsRead, PermBlogRead,
		PermBlogWrite, PermMediaUpload, PermContactsRead, PermMeetingsManage,
	),
}

func set(perms ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

// HasRole reports whether u's role is at or above required in the hierarchy.
func HasRole(u User, required Role) bool {
	return u.Role.Valid() && required.Valid() && u.Role >= required
}

// HasPermission reports whether u's role grants perm.
func HasPermission(u User, perm string) bool {
	if u.Role == RoleAdmin {
		return true
	}
	if perm == "" || perm == PermWildcard {
		return false
	}
	_, ok := rolePermissions[u.Role][perm]
	return ok
}

// Permissions lists the explicit permissions of r; admin returns the wildcard only.
func Permissions(r Role) []string {
	if r == RoleAdmin {
		return []string{PermWildcard}
	}
	out := make([]string, 0, len(rolePermissions[r]))
	for p := range rolePermissions[r] {
		out = append(out, p)
	}
	return out
}
