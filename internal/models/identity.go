package models

// IdentityCategory scopes a counter key to the kind of subject being tracked.
type IdentityCategory string

const (
	IdentityIP          IdentityCategory = "ip"
	IdentityUsername    IdentityCategory = "username"
	IdentitySession     IdentityCategory = "session"
	IdentityAPIEndpoint IdentityCategory = "api-endpoint"
)

// Identity is the scoping key shared by the rate limiter and login guard.
type Identity struct {
	Category IdentityCategory
	Subject  string
}

// Key renders the identity as a store key segment.
func (i Identity) Key() string {
	return string(i.Category) + ":" + i.Subject
}
