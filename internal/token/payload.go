package token

import "permgate/internal/metadata"

// Ref is an id wrapper in the marketplace API shape: {"uuid": "..."}.
type Ref struct {
	UUID string `json:"uuid"`
}

type CurrentUser struct {
	ID         *Ref        `json:"id,omitempty"`
	Attributes *Attributes `json:"attributes,omitempty"`
}

type Attributes struct {
	Profile *Profile `json:"profile,omitempty"`
}

type Profile struct {
	Metadata *ProfileMetadata `json:"metadata,omitempty"`
}

type ProfileMetadata struct {
	Permissions *metadata.Node `json:"permissions,omitempty"`
}

type LoggedInAsUser struct {
	ID *Ref `json:"id,omitempty"`
}

// Payload is the body of a capability token. Fields are pointers so that an
// absent part stays absent on the wire and the schema can reject it.
type Payload struct {
	CurrentUser    *CurrentUser    `json:"currentUser,omitempty"`
	LoggedInAsUser *LoggedInAsUser `json:"loggedInAsUser,omitempty"`
}

// NewPayload builds a payload for userID carrying the given grants.
func NewPayload(userID string, permissions *metadata.Node) Payload {
	cu := &CurrentUser{ID: &Ref{UUID: userID}}
	if permissions != nil {
		cu.Attributes = &Attributes{Profile: &Profile{Metadata: &ProfileMetadata{Permissions: permissions}}}
	}
	return Payload{CurrentUser: cu}
}

// LoggedInAs marks the payload as a delegated session started by adminID.
func (p Payload) LoggedInAs(adminID string) Payload {
	p.LoggedInAsUser = &LoggedInAsUser{ID: &Ref{UUID: adminID}}
	return p
}

// UserID returns currentUser.id.uuid or "".
func (p *Payload) UserID() string {
	if p == nil || p.CurrentUser == nil || p.CurrentUser.ID == nil {
		return ""
	}
	return p.CurrentUser.ID.UUID
}

// Permissions returns the granted tree or nil when the payload has none.
func (p *Payload) Permissions() *metadata.Node {
	if p == nil || p.CurrentUser == nil || p.CurrentUser.Attributes == nil {
		return nil
	}
	prof := p.CurrentUser.Attributes.Profile
	if prof == nil || prof.Metadata == nil {
		return nil
	}
	return prof.Metadata.Permissions
}

// UserContext flattens the payload for request handlers and the verifier.
func (p *Payload) UserContext() *metadata.UserContext {
	uc := &metadata.UserContext{ID: p.UserID(), Permissions: p.Permissions()}
	if p.LoggedInAsUser != nil && p.LoggedInAsUser.ID != nil {
		uc.LoggedInAsID = p.LoggedInAsUser.ID.UUID
	}
	return uc
}
