// Package tokenexchange converts a caller's identity token into a short-lived
// credential scoped to one session, which is what the completion backend
// accepts. A failed exchange is always apierr.KindAuthExchange and stops the
// relay before any completion call.
package tokenexchange
