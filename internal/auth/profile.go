package auth

import "strings"

// Profile is the identity-provider view of the signed-in person.
type Profile struct {
	Subject    string `json:"sub"`
	Email      string `json:"email"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
}

// ProfileFromClaims copies the profile claims of a verified ID token.
func ProfileFromClaims(claims IdentityClaims) Profile {
	return Profile{
		Subject:    strings.TrimSpace(claims.Subject),
		Email:      strings.TrimSpace(claims.Email),
		GivenName:  strings.TrimSpace(claims.GivenName),
		FamilyName: strings.TrimSpace(claims.FamilyName),
	}
}
