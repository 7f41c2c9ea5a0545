package auth

import (
	"fmt"
	"slices"
	"sort"

	"hkit.org/internal/domain"
)

// Route declares who may reach a path. A nil Roles means any authenticated
// role; a non-nil empty Roles is rejected by NewGuard.
type Route struct {
	Path  string        `json:"path"`
	Roles []domain.Role `json:"roles"`
}

type Outcome string

const (
	Render               Outcome = "render"
	RedirectSignIn       Outcome = "redirect_sign_in"
	RedirectUnauthorized Outcome = "redirect_unauthorized"
)

// Decision is the guard's verdict. Location is set for redirects.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	Location string  `json:"location,omitempty"`
}

func (d Decision) Allowed() bool {
	return d.Outcome == Render
}

// Guard evaluates sessions against a validated route table.
type Guard struct {
	routes map[string]Route
}

// NewGuard validates the table once at startup.
func NewGuard(routes []Route) (*Guard, error) {
	g := &Guard{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		if r.Path == "" {
			return nil, fmt.Errorf("guard: route with empty path")
		}
		if _, dup := g.routes[r.Path]; dup {
			return nil, fmt.Errorf("guard: duplicate route %q", r.Path)
		}
		if r.Roles != nil && len(r.Roles) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyAllowList, r.Path)
		}
		for _, role := range r.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("guard: route %q names unknown role %q", r.Path, role)
			}
		}
		g.routes[r.Path] = Route{Path: r.Path, Roles: slices.Clone(r.Roles)}
	}
	return g, nil
}

// MustGuard panics on an invalid table. For package-level route tables.
func MustGuard(routes []Route) *Guard {
	g, err := NewGuard(routes)
	if err != nil {
		panic(err)
	}
	return g
}

// Route returns the declaration for path.
func (g *Guard) Route(path string) (Route, bool) {
	r, ok := g.routes[path]
	return r, ok
}

// Routes lists the table sorted by path.
func (g *Guard) Routes() []Route {
	out := make([]Route, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Evaluate decides for a declared path. Undeclared paths are treated as
// routes without an allow-list.
func (g *Guard) Evaluate(s Session, path string) Decision {
	r, ok := g.routes[path]
	if !ok {
		r = Route{Path: path}
	}
	return Check(s, r)
}

// Check is the pure access rule for one route.
func Check(s Session, r Route) Decision {
	if !s.Authenticated() {
		return Decision{Outcome: RedirectSignIn, Location: PathSignIn}
	}
	if r.Roles == nil {
		return Decision{Outcome: Render}
	}
	role := s.Role()
	if role != domain.RoleNone && slices.Contains(r.Roles, role) {
		return Decision{Outcome: Render}
	}
	return Decision{Outcome: RedirectUnauthorized, Location: PathUnauthorized}
}
