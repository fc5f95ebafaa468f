package domain

// Role is the administrative role carried by an authenticated actor.
type Role string

const (
	RoleBroker     Role = "broker"
	RoleOperator   Role = "operator"
	RoleFinance    Role = "finance"
	RoleCompliance Role = "compliance"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Actor is the human or process behind a mutation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by background workers.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) Validate() error {
	if a.ID == "" {
		return NewMissingRequiredFieldError("actor")
	}
	return nil
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CanAdministerCompliance reports whether a may change KYC status or resolve screening matches.
func (a Actor) CanAdministerCompliance() bool {
	return a.Role == RoleAdmin || a.Role == RoleCompliance
}
