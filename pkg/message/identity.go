package message

import (
	"strings"
	"time"
)

// User identifies one collaborator. The provider+provider-id pair is the
// primary identity; email is a fallback for peers that only populate one
// identity form.
type User struct {
	Provider    string `json:"provider,omitempty"`
	ProviderID  string `json:"provider_id,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (u User) IsZero() bool {
	return u.Provider == "" && u.ProviderID == "" && u.Email == ""
}

// Key returns a stable map key for the user: the provider+provider-id
// composite when present, otherwise the lowercased email.
func (u User) Key() string {
	if u.Provider != "" && u.ProviderID != "" {
		return u.Provider + ":" + u.ProviderID
	}
	return strings.ToLower(u.Email)
}

// SameUser reports whether two identities refer to the same collaborator.
// It matches on the provider+provider-id composite key first and falls back
// to a case-insensitive email comparison when either side lacks provider
// data. All participant and presenter identity checks must go through this
// function so the matching rules cannot diverge.
func SameUser(a, b User) bool {
	if a.Provider != "" && a.ProviderID != "" && b.Provider != "" && b.ProviderID != "" {
		return a.Provider == b.Provider && a.ProviderID == b.ProviderID
	}
	if a.Email != "" && b.Email != "" {
		return strings.EqualFold(a.Email, b.Email)
	}
	return false
}

// Permission is the access level of a participant.
type Permission string

const (
	PermissionReader Permission = "reader"
	PermissionWriter Permission = "writer"
)

// PresenterState tracks a participant's position in the presenter
// arbitration machine.
type PresenterState string

const (
	HandDown   PresenterState = "hand_down"
	HandRaised PresenterState = "hand_raised"
	Presenter  PresenterState = "presenter"
)

// Participant is one connected collaborator. The authoritative list is
// replaced wholesale on every participants_update broadcast; fields are
// never patched individually on the client.
type Participant struct {
	User           User           `json:"user"`
	Permission     Permission     `json:"permission"`
	PresenterState PresenterState `json:"presenter_state"`
	LastActivity   time.Time      `json:"last_activity,omitempty"`
}
