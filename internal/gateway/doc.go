// Package gateway orchestrates the parlor-gateway server components.
//
// # Overview
//
// The gateway package wires the conversation engine to its transports. It
// owns the store, the broker publisher and consumer, the delivery fan-out,
// the realtime hub, the AI persona bridge and the attachment store, and it
// serves them over HTTP and gRPC.
//
// # Event Flow
//
// Every write goes through conversation.Service, which persists and then
// hands an event to delivery.Fanout. The fan-out marks the event id as seen,
// publishes it to the broker keyed by conversation id and pushes it straight
// to sessions connected here. Other instances receive the record through
// their consumer and push it to their own sessions; the relay skips ids it
// has already seen, so a local event is delivered once.
//
// # HTTP API
//
// All /api routes require a bearer JWT whose "sub" claim is the participant id:
//
//   - GET/POST /api/conversations - inbox and conversation creation
//   - GET/PUT/DELETE /api/conversations/{id} - conversation metadata
//   - POST/DELETE /api/conversations/{id}/members/{participantId} - membership
//   - GET /api/conversations/{id}/messages - history, newest first
//   - POST /api/conversations/{id}/read - mark everything read
//   - POST /api/messages/direct, /api/messages/group - post
//   - PUT/DELETE /api/messages/{id} - edit and delete own messages
//   - POST /api/messages/{id}/read - read receipt
//   - POST /api/attachments - upload, returns a FileRef
//   - /api/ai/... - persona chat, present when a completion backend is set
//
// Responses use the envelope {code, message, timeStamp, result}. Code 1000
// is success; other codes come from package apperr.
//
// # Realtime
//
// GET /ws upgrades to a websocket after resolving the "token" query
// parameter or bearer header. See package realtime.
//
// # Health
//
//   - GET /health - liveness, always "OK"
//   - GET /health/ready - store ping
//   - grpc.health.v1.Health on server.grpc_addr when configured
package gateway
