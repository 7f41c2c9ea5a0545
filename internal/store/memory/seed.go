package memory

import (
	"time"

	"hkit.org/internal/domain"
)

// Data is an initial data set for the store.
type Data struct {
	Facilities []domain.Facility
	Consents   []domain.ConsentRecord
	AuditLogs  []domain.AuditLog
	Mpi        []domain.MpiRecord
	Events     []domain.InteropEvent
	Scores     []domain.FacilityScore
	Requests   []domain.RegistrationRequest
}

func ptr[T any](v T) *T { return &v }

func at(s string) time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// DemoData is the Kwara State demonstration data set.
func DemoData() Data {
	return Data{
		Facilities: []domain.Facility{
			{ID: 1, Name: "General Hospital Ilorin", LGA: "Ilorin West", Type: "Public", Status: domain.FacilityVerified, Compliance: 92, Administrators: 3, APIActivity: "2.3k req/day", LastSync: "2 min ago"},
			{ID: 2, Name: "Baptist Medical Centre", LGA: "Ilorin South", Type: "Private", Status: domain.FacilityVerified, Compliance: 88, Administrators: 2, APIActivity: "1.8k req/day", LastSync: "5 min ago"},
			{ID: 3, Name: "Sobi Specialist Hospital", LGA: "Ilorin East", Type: "Public", Status: domain.FacilityVerified, Compliance: 95, Administrators: 4, APIActivity: "3.1k req/day", LastSync: "1 min ago"},
			{ID: 4, Name: "Private Clinic Offa", LGA: "Offa", Type: "Private", Status: domain.FacilityPending, APIActivity: "N/A", LastSync: "Never"},
			{ID: 5, Name: "Community Health Centre", LGA: "Asa", Type: "Public", Status: domain.FacilityPending, APIActivity: "N/A", LastSync: "Never"},
		},
		Consents: []domain.ConsentRecord{
			{PatientID: "KW2024001234", Scope: "Full access", GrantedTo: "Baptist Medical Centre", GrantedToFacilityID: 2, Expiry: "2025-12-31", Status: domain.ConsentActive},
			{PatientID: "KW2024001235", Scope: "Lab results only", GrantedTo: "Private Clinic Offa", GrantedToFacilityID: 4, Expiry: "2025-06-30", Status: domain.ConsentActive},
			{PatientID: "KW2024001236", Scope: "Emergency access", GrantedTo: "General Hospital Ilorin", GrantedToFacilityID: 1, Expiry: "Never", Status: domain.ConsentRevoked},
		},
		AuditLogs: []domain.AuditLog{
			{ID: 1, Timestamp: at("2024-11-23 14:25:30"), User: "admin@moh.kwara", Action: "FACILITY_APPROVED", Resource: "Baptist Medical Centre", IP: "102.89.23.45", Status: "success", FacilityID: ptr(int64(2)), ActorKind: domain.ActorUser},
			{ID: 2, Timestamp: at("2024-11-23 14:23:15"), User: "api_key_abc123", Action: "PATIENT_CREATED", Resource: "Patient/KW2024001234", IP: "41.203.12.88", Status: "success", FacilityID: ptr(int64(1)), ActorKind: domain.ActorAPIKey},
			{ID: 3, Timestamp: at("2024-11-23 14:20:42"), User: "facility_admin@hospital", Action: "API_KEY_GENERATED", Resource: "hkit_prod_xyz789", IP: "197.210.55.10", Status: "success", FacilityID: ptr(int64(1)), ActorKind: domain.ActorUser},
			{ID: 4, Timestamp: at("2024-11-23 14:18:08"), User: "api_key_test456", Action: "OBSERVATION_UPDATE", Resource: "Observation/obs-12345", IP: "105.112.45.22", Status: "failed", FacilityID: ptr(int64(2)), ActorKind: domain.ActorAPIKey},
			{ID: 5, Timestamp: at("2024-11-23 14:15:33"), User: "admin@moh.kwara", Action: "CONSENT_REVOKED", Resource: "Consent/consent-789", IP: "102.89.23.45", Status: "success", ActorKind: domain.ActorUser},
			{ID: 6, Timestamp: at("2024-11-23 14:12:51"), User: "api_key_prod999", Action: "ENCOUNTER_CREATED", Resource: "Encounter/enc-54321", IP: "197.255.88.99", Status: "success", FacilityID: ptr(int64(3)), ActorKind: domain.ActorAPIKey},
		},
		Mpi: []domain.MpiRecord{
			{ID: "mpi-1", StateHealthID: "KW2024001234", GivenName: "Oluwaseun", FamilyName: "Adebayo", DOB: "1985-03-15", Gender: "Male", Facility: "General Hospital Ilorin", FacilityID: 1, Verified: true, CreatedAt: at("2024-11-20 09:00:00")},
			{ID: "mpi-2", StateHealthID: "KW2024001235", GivenName: "Aisha", FamilyName: "Mohammed", DOB: "1992-07-22", Gender: "Female", Facility: "Baptist Medical Centre", FacilityID: 2, Verified: true, CreatedAt: at("2024-11-21 11:30:00")},
			{ID: "mpi-3", StateHealthID: "KW2024001236", GivenName: "Chukwudi", FamilyName: "Okafor", DOB: "1978-11-10", Gender: "Male", Facility: "Sobi Specialist Hospital", FacilityID: 3, Verified: false, CreatedAt: at("2024-11-22 16:45:00")},
		},
		Events: []domain.InteropEvent{
			{ID: 1, Resource: "Patient", Operation: "CREATE", Facility: "General Hospital Ilorin", FacilityID: 1, Status: "success", Timestamp: at("2024-11-23 14:23:45")},
			{ID: 2, Resource: "Observation", Operation: "UPDATE", Facility: "Baptist Medical Centre", FacilityID: 2, Status: "success", Timestamp: at("2024-11-23 14:23:42")},
			{ID: 3, Resource: "Encounter", Operation: "CREATE", Facility: "Sobi Specialist Hospital", FacilityID: 3, Status: "failed", Timestamp: at("2024-11-23 14:23:38")},
			{ID: 4, Resource: "MedicationRequest", Operation: "CREATE", Facility: "General Hospital Ilorin", FacilityID: 1, Status: "success", Timestamp: at("2024-11-23 14:23:35")},
			{ID: 5, Resource: "Condition", Operation: "UPDATE", Facility: "Private Clinic Offa", FacilityID: 4, Status: "warning", Timestamp: at("2024-11-23 14:23:30")},
		},
		Scores: []domain.FacilityScore{
			{FacilityID: 1, Name: "General Hospital Ilorin", Score: 95, Trend: "up", Change: "+3%"},
			{FacilityID: 2, Name: "Baptist Medical Centre", Score: 92, Trend: "up", Change: "+1%"},
			{FacilityID: 3, Name: "Sobi Specialist Hospital", Score: 88, Trend: "down", Change: "-2%"},
			{FacilityID: 4, Name: "Private Clinic Offa", Score: 85, Trend: "up", Change: "+5%"},
			{FacilityID: 5, Name: "Community Health Centre", Score: 78, Trend: "down", Change: "-4%"},
		},
	}
}
