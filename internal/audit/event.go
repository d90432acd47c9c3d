// Package audit records immutable events describing every recorded action,
// stores them in a durable outbox and ships them to an external log sink.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"atv.dev/internal/services"
)

type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusForbidden Status = "FORBIDDEN"
)

type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationRead   Operation = "READ"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// OperationForMethod maps an HTTP verb to the audit operation kind.
func OperationForMethod(method string) Operation {
	switch method {
	case "POST":
		return OperationCreate
	case "PUT", "PATCH":
		return OperationUpdate
	case "DELETE":
		return OperationDelete
	default:
		return OperationRead
	}
}

type Role string

const (
	RoleSystem    Role = "SYSTEM"
	RoleAdmin     Role = "ADMIN"
	RoleAnonymous Role = "ANONYMOUS"
	RoleOwner     Role = "OWNER"
	RoleUser      Role = "USER"
)

// Actor is a snapshot of the caller taken before the recorded action runs,
// so the event survives the actor mutating or deleting themselves.
type Actor struct {
	// System marks background jobs with no request actor.
	System bool
	// User is nil for anonymous callers.
	User     *services.User
	Provider string
	// IPAddress is resolved from the request, see ClientIP.
	IPAddress string
	// ServiceName and Authentication are set when a service was resolved.
	ServiceName    string
	Authentication string
}

// ActorForIdentity builds an actor snapshot from a resolved identity.
func ActorForIdentity(ident services.Identity, provider, ip string) Actor {
	a := Actor{User: ident.User, Provider: provider, IPAddress: ip}
	if ident.Service != nil {
		a.ServiceName = ident.Service.Name
		switch ident.AuthMethod {
		case "api_key":
			a.Authentication = "API-Key"
		default:
			a.Authentication = "Token"
		}
	}
	return a
}

// Target names what a recorded action acted on. Collection targets carry an
// empty id and lookup field for list-style operations.
type Target struct {
	Type        string
	ID          string
	LookupField string
	Endpoint    string
	// UserID is set when the target is a user row, for owner derivation.
	UserID *uuid.UUID
}

// InstanceTarget names one row of an entity type.
func InstanceTarget(entityType, id, lookupField, endpoint string) Target {
	return Target{Type: entityType, ID: id, LookupField: lookupField, Endpoint: endpoint}
}

// CollectionTarget names an entity type without a specific row.
func CollectionTarget(entityType, endpoint string) Target {
	return Target{Type: entityType, Endpoint: endpoint}
}

// UserTarget names a user row looked up by uuid, as used by the per-user
// metadata and erasure endpoints.
func UserTarget(userID uuid.UUID, endpoint string) Target {
	return Target{Type: "User", ID: userID.String(), LookupField: "uuid", Endpoint: endpoint, UserID: &userID}
}

// DeriveRole derives the actor role for an event.
func DeriveRole(actor Actor, target Target) Role {
	switch {
	case actor.System:
		return RoleSystem
	case actor.User != nil && actor.User.IsSuperuser:
		return RoleAdmin
	case actor.User == nil:
		return RoleAnonymous
	case target.UserID != nil && *target.UserID == actor.User.ID:
		return RoleOwner
	default:
		return RoleUser
	}
}

// Event is one audit record before serialization.
type Event struct {
	Origin                string
	Status                Status
	Time                  time.Time
	Actor                 Actor
	Operation             Operation
	AdditionalInformation string
	Target                Target
}

type actorPayload struct {
	Role           string `json:"role"`
	UserID         string `json:"user_id"`
	Provider       string `json:"provider"`
	IPAddress      string `json:"ip_address"`
	Service        string `json:"service,omitempty"`
	Authentication string `json:"authentication,omitempty"`
}

type targetPayload struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	LookupField string `json:"lookup_field"`
	Endpoint    string `json:"endpoint"`
}

type eventPayload struct {
	Origin                string        `json:"origin"`
	Status                string        `json:"status"`
	DateTimeEpoch         int64         `json:"date_time_epoch"`
	DateTime              string        `json:"date_time"`
	Actor                 actorPayload  `json:"actor"`
	Operation             string        `json:"operation"`
	AdditionalInformation string        `json:"additional_information"`
	Target                targetPayload `json:"target"`
}

type messagePayload struct {
	AuditEvent eventPayload `json:"audit_event"`
}

// formatTime renders a UTC timestamp as ISO-8601 with millisecond precision
// and a trailing Z, e.g. "2020-06-01T00:00:00.000Z".
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

// Message serializes the event into the stable JSON shape consumed
// downstream.
func (e Event) Message() ([]byte, error) {
	userID := ""
	if e.Actor.User != nil {
		userID = e.Actor.User.ID.String()
	}
	lookupField := e.Target.LookupField
	if e.Target.ID == "" {
		lookupField = ""
	}
	payload := messagePayload{AuditEvent: eventPayload{
		Origin:        e.Origin,
		Status:        string(e.Status),
		DateTimeEpoch: e.Time.UnixMilli(),
		DateTime:      formatTime(e.Time),
		Actor: actorPayload{
			Role:           string(DeriveRole(e.Actor, e.Target)),
			UserID:         userID,
			Provider:       e.Actor.Provider,
			IPAddress:      e.Actor.IPAddress,
			Service:        e.Actor.ServiceName,
			Authentication: e.Actor.Authentication,
		},
		Operation:             string(e.Operation),
		AdditionalInformation: e.AdditionalInformation,
		Target: targetPayload{
			Type:        e.Target.Type,
			ID:          e.Target.ID,
			LookupField: lookupField,
			Endpoint:    e.Target.Endpoint,
		},
	}}
	return json.Marshal(payload)
}
