// Package gateway is the consult-gateway server.
//
// The HTTP surface:
//
//	GET   /health                                 liveness
//	GET   /health/ready                           store reachability
//	POST  /chat, /functions/v1/chat               relay one message
//	GET   /api/sessions                           grouped session list
//	POST  /api/sessions                           create a session
//	PATCH /api/sessions/{id}                      rename a session
//	GET   /api/sessions/{id}/messages             history
//	GET   /api/sessions/{id}/lifecycle            lifecycle snapshot
//	GET   /api/sessions/{id}/lifecycle/events     lifecycle SSE stream
//	POST  /api/sessions/{id}/completion           open the completion dialog
//	POST  /api/sessions/{id}/feedback             submit a rating
//	POST  /api/sessions/{id}/dismiss              end without a rating
//	POST  /api/backend/sessions/{id}/finished     backend finished webhook
//
// Session routes require an identity bearer token. The webhook requires a
// scoped credential whose session claim matches the path.
package gateway
