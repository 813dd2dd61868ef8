// Package conversation is the core of the gateway: the conversation
// registry, message posting and editing, and read receipts.
//
// # Overview
//
// Every operation takes the acting participant id explicitly. Handlers
// resolve it from a credential; the service never reads ambient identity.
//
//	svc := conversation.New(store, fanout, logger)
//	conv, err := svc.FindOrCreateDirect(ctx, "alice", "bob")
//	msg, err := svc.Post(ctx, conv.ID, "alice", conversation.Body{Text: "hi"})
//
// # Conversation types
//
// A conversation with two participants is DIRECT and carries the dedup key
// of its sorted pair. Three or more make it GROUP. Membership edits move a
// conversation between the two:
//
//   - AddMember on a DIRECT conversation promotes it to GROUP and releases the key
//   - RemoveMember down to two demotes a GROUP to DIRECT and claims the key
//   - RemoveMember below two fails with InvalidParticipants
//
// Membership writes are version checked. A stale write is re-read and
// re-applied a bounded number of times.
//
// # Delivery
//
// Persistence always completes before fan-out. Events are handed to the
// Publisher on a context detached from the request, and delivery failures
// never fail the write.
//
// # Receipts
//
// A sender never appears in their own message's ReadBy. Marking read is
// idempotent, and only a change emits a receipt event, addressed to the
// other participants.
package conversation
