// Package ownership decides which principal an application is bound to.
//
// The first successful deploy pins the effective owner: the explicitly
// requested principal, or the namespace principal when none is requested.
// Every later deploy of the same application must present the same
// principal, explicitly or through the namespace default. An application
// pinned without any owner stays without one.
package ownership

import "strings"

// Verdict is the outcome of Decide. Owner is only meaningful when Accepted.
type Verdict struct {
	Accepted bool
	Owner    string
}

// Decide reconciles the owner recorded on an existing application, the owner
// requested by the deploy call and the namespace principal.
//
// existing is nil on the first deploy of an application; otherwise it points
// at the pinned owner, which is empty for an application deployed without one.
// Empty requested and namespacePrincipal mean "absent".
func Decide(existing *string, requested, namespacePrincipal string) Verdict {
	candidate := strings.TrimSpace(requested)
	if candidate == "" {
		candidate = strings.TrimSpace(namespacePrincipal)
	}
	if existing == nil {
		return Verdict{Accepted: true, Owner: candidate}
	}
	pinned := strings.TrimSpace(*existing)
	if candidate == pinned {
		return Verdict{Accepted: true, Owner: pinned}
	}
	return Verdict{}
}

// Pinned returns the owner argument Decide expects for a deployed application.
func Pinned(owner string) *string {
	return &owner
}
