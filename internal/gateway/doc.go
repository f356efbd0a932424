// Package gateway serves the clyde-relay HTTP API.
//
// # Overview
//
// The gateway turns HTTP requests into conversation turns. It validates
// query parameters, checks the lifecycle state, calls the conversation
// service and writes JSON.
//
// # Routes
//
//	GET    /healthcheck                          {"status":"ok"} or {"status":"not ready"}
//	GET    /?message=...&conversationID=...      {"response":"<reply>"}
//	DELETE /?conversationID=...                  {"response":"Conversation deleted","success":true}
//
// Validation failures answer 400 with {"error": "..."}. A DELETE for an
// unknown conversation answers 200 with {"error":"Conversation does not exist"}.
//
// # Error Mapping
//
//	not ready                      400
//	shutting down                  503
//	messaging backend failure      502
//	reply timeout                  504
//	rate limited                   429
//	anything else                  500
//
// When the client disconnects mid-turn the pending reply wait is cancelled
// and nothing is written.
//
// # Middleware
//
// Requests pass through CORS (all origins), then the optional per-client
// rate limiter, then a lifecycle snapshot that stores the current state in
// the request context. Handlers read the state only from the context.
//
// # Listeners
//
// The server listens on server.http_addr (or :port), or on a Tailscale node
// via tsnet when tailscale.enabled is set. HTTPS and Funnel use the node's
// certificates.
package gateway
