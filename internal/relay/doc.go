// Package relay turns one user message into one assistant reply.
//
// Order of operations for SendMessage:
//
//  1. Check the Authorization header framing (apierr.KindUnauthenticated).
//  2. Verify the identity token and load the session. A session owned by
//     someone else is reported as apierr.KindNotFound.
//  3. Record the user message. A failure here is fatal and nothing is sent.
//  4. Exchange the identity token (apierr.KindAuthExchange).
//  5. Call the backend (protocol, business or network errors).
//  6. Record the assistant reply under "<message ID>:reply". A failure here
//     is reported in Output.PersistErr and logged with
//     error_kind=persistence_advisory.
//
// Nothing is retried. Re-issuing a call with the same message ID is safe;
// both turns keep a single row.
package relay
