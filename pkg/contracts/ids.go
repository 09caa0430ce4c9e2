package contracts

import "github.com/google/uuid"

// Identifier namespaces. Ids are name-based (SHA-1 UUIDv5) so the whole
// incident graph is a pure function of the raw event log and the rule
// table version: replay from empty state regenerates identical ids.
var (
	nsIncident = uuid.NewSHA1(uuid.NameSpaceOID, []byte("crowsnest/incident"))
	nsEvidence = uuid.NewSHA1(uuid.NameSpaceOID, []byte("crowsnest/evidence"))
)

// DeriveIncidentID computes the identifier for an incident opened by the
// given event for the given subject key.
func DeriveIncidentID(subjectKey string, openingEvent uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(nsIncident, []byte(subjectKey+"|"+openingEvent.String()))
}

// DeriveEvidenceID computes the identifier for the evidence item linking
// an event to an incident.
func DeriveEvidenceID(eventID, incidentID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(nsEvidence, []byte(eventID.String()+"|"+incidentID.String()))
}
