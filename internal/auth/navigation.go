package auth

import "hkit.org/internal/domain"

const (
	PathSignIn       = "/login"
	PathUnauthorized = "/unauthorized"
	PathPendingSetup = "/pending-setup"
)

var landingByRole = map[domain.Role]string{
	domain.RoleMoH:           "/dashboard",
	domain.RoleFacilityAdmin: "/facility-dashboard",
	domain.RoleDeveloper:     "/developer-dashboard",
}

// LandingPath is the navigation policy: where a session should land after it
// changes. It has no side effects.
func LandingPath(s Session) string {
	if !s.Authenticated() {
		return PathSignIn
	}
	if p, ok := landingByRole[s.Role()]; ok && s.State == StateResolved {
		return p
	}
	return PathPendingSetup
}
