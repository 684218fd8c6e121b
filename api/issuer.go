/*
issuer.go - Issuer extraction from trusted proxy headers

PURPOSE:
  The engine sits behind a fronting layer that authenticates users and
  forwards identity as headers. This file turns those headers into a
  ledger.Issuer. No authentication happens here.

HEADERS:
  X-Issuer:             opaque issuer id (required for mutations)
  X-Issuer-Name:        display name
  X-Issuer-Privileged:  "true" grants every permission
  X-Issuer-Permissions: comma-separated permission names
*/
package api

import (
	"net/http"
	"strings"

	"github.com/clubtab/ledger-engine/ledger"
)

const (
	headerIssuer            = "X-Issuer"
	headerIssuerName        = "X-Issuer-Name"
	headerIssuerPrivileged  = "X-Issuer-Privileged"
	headerIssuerPermissions = "X-Issuer-Permissions"
)

// issuerFromRequest builds the issuer from forwarded identity headers.
// Returns nil when no X-Issuer header is present.
func issuerFromRequest(r *http.Request) *ledger.StaticIssuer {
	id := r.Header.Get(headerIssuer)
	if id == "" {
		return nil
	}

	perms := make(map[string]bool)
	for _, p := range strings.Split(r.Header.Get(headerIssuerPermissions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms[p] = true
		}
	}

	name := r.Header.Get(headerIssuerName)
	if name == "" {
		name = id
	}

	return &ledger.StaticIssuer{
		ID:          id,
		Name:        name,
		Privileged:  strings.EqualFold(r.Header.Get(headerIssuerPrivileged), "true"),
		Permissions: perms,
	}
}

// issuerID is the idempotency actor function: duplicate detection is
// scoped per issuer so two clients reusing a key never collide.
func issuerID(r *http.Request) string {
	return r.Header.Get(headerIssuer)
}
