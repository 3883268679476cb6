// Package auth authenticates gateway callers with HS256 bearer JWTs.
//
// Two credentials are in play:
//
//   - Identity tokens: long-lived, sub claim only. Verified by JWTVerifier.Verify
//     on every relay and /api request.
//   - Scoped tokens: short-lived, minted by the token exchange for one session.
//     They carry aud=consult-backend and a sid claim. The backend presents one
//     when calling the finished webhook.
//
// ExtractBearerToken enforces an exact "Bearer " prefix. Its failures are
// apierr.KindUnauthenticated errors carrying the message returned to the caller.
package auth
