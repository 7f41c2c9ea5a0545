package auth

import "hkit.org/internal/domain"

var (
	mohOnly       = []domain.Role{domain.RoleMoH}
	facilityOnly  = []domain.Role{domain.RoleFacilityAdmin}
	developerOnly = []domain.Role{domain.RoleDeveloper}
	mohFacility   = []domain.Role{domain.RoleMoH, domain.RoleFacilityAdmin}
	allRoles      = []domain.Role{domain.RoleMoH, domain.RoleFacilityAdmin, domain.RoleDeveloper}
)

// ConsolePages is the console's page table.
func ConsolePages() []Route {
	return []Route{
		{Path: "/dashboard", Roles: mohOnly},
		{Path: "/facility-dashboard", Roles: facilityOnly},
		{Path: "/developer-dashboard", Roles: developerOnly},
		{Path: "/facilities", Roles: mohFacility},
		{Path: "/interoperability", Roles: allRoles},
		{Path: "/data-quality", Roles: mohFacility},
		{Path: "/developer", Roles: []domain.Role{domain.RoleMoH, domain.RoleDeveloper}},
		{Path: "/governance", Roles: mohFacility},
		{Path: "/audit", Roles: nil},
		{Path: "/health", Roles: mohOnly},
		{Path: "/registrations", Roles: mohOnly},
		{Path: "/user-management", Roles: mohOnly},
		{Path: "/settings", Roles: nil},
		{Path: PathPendingSetup, Roles: nil},
	}
}

// APIRoutes is keyed by "METHOD pattern" using chi route patterns.
func APIRoutes() []Route {
	return []Route{
		{Path: "POST /v1/auth/signout", Roles: nil},
		{Path: "POST /v1/auth/refresh", Roles: nil},
		{Path: "GET /v1/auth/session", Roles: nil},
		{Path: "GET /v1/auth/session/stream", Roles: nil},
		{Path: "GET /v1/dashboard", Roles: nil},
		{Path: "GET /v1/registrations", Roles: mohOnly},
		{Path: "POST /v1/registrations/{id}/approve", Roles: mohOnly},
		{Path: "POST /v1/registrations/{id}/reject", Roles: mohOnly},
		{Path: "GET /v1/facilities", Roles: mohFacility},
		{Path: "PUT /v1/facilities/{id}/status", Roles: mohOnly},
		{Path: "GET /v1/consents", Roles: mohFacility},
		{Path: "POST /v1/consents/{patientID}/revoke", Roles: mohFacility},
		{Path: "GET /v1/audit-logs", Roles: nil},
		{Path: "GET /v1/mpi", Roles: mohOnly},
		{Path: "GET /v1/interop/events", Roles: allRoles},
		{Path: "GET /v1/interop/events/{id}", Roles: allRoles},
		{Path: "GET /v1/data-quality", Roles: mohFacility},
	}
}
