// Package auth provides customer session tokens and operator authentication.
//
// # Customer Sessions
//
// SessionService issues stateless HS256 tokens that let a returning anonymous
// visitor be recognized without storing anything server-side:
//
//	token, expiresAt, err := sessions.Issue(tenantID, customerID, attrs, 0)
//	sess, err := sessions.Validate(tenantID, token)   // ErrInvalidToken on any failure
//	token, expiresAt, err = sessions.Refresh(tenantID, token, nil)
//
// A token is valid iff its signature verifies and now < expiresAt. Each
// tenant signs with its own key derived from the master secret via HKDF, so a
// token minted for one tenant never validates for another. The default
// lifetime is 30 days.
//
// # Operators
//
// Human operators authenticate with bearer JWTs naming the operator ("sub")
// and tenant ("tid"). HTTPAuthMiddleware verifies the token, loads the
// operator, rejects revoked operators and stores an AuthContext:
//
//	mux.Handle("/api/operator/", auth.HTTPAuthMiddleware(store, verifier)(h))
//	authCtx := auth.FromContext(r.Context())
//	if !authCtx.CanAccess(conv.TenantID) { ... }
package auth
