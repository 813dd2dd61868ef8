// Package auth resolves bearer credentials to participant ids.
//
// # Identity Resolver
//
// The gateway only needs one thing from authentication: which participant is
// calling. IdentityResolver maps a credential to that id. JWTResolver is the
// bundled implementation:
//
//	resolver := auth.NewJWTResolver(secret, "parlor")
//	participantID, err := resolver.Resolve(ctx, token)
//
// Tokens are HS256 signed and carry the participant id in the "sub" claim.
// When an issuer is configured it must match the "iss" claim.
//
// # HTTP
//
// Middleware resolves the Authorization bearer token and stores the
// participant id in the request context. Handlers read it with PrincipalFrom
// and never take identity from the request body.
//
// The real-time endpoint uses ExtractCredential, which prefers the "token"
// query parameter because browsers cannot set headers on a websocket
// handshake.
package auth
