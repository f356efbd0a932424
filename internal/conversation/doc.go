// Package conversation relays a prompt into a conversation's channel and
// waits for the responder's reply.
//
// # Overview
//
// A conversation is keyed by a short alphanumeric identifier and backed 1:1
// by a channel in the parent space. The Service sits between the HTTP
// handlers and the channel registry:
//
//	svc := conversation.New(reg, backend, conversation.Config{
//	    ResponderID:  "1081004946872352958",
//	    ReplyTimeout: 5 * time.Minute,
//	}, logger)
//
// Key operations:
//
//   - Turn(ctx, id, message): send a prompt and return the reply text
//   - Teardown(ctx, id): delete the conversation's channel
//   - HandleMessage(msg): inbound event sink, wired to the backend
//
// # Turn
//
//  1. Resolve the channel, creating it on first use
//  2. Register a waiter for (channel, responder)
//  3. Send "<mention> <message>" into the channel
//  4. Block until the waiter resolves, the reply timeout fires, or the
//     caller's context ends
//
// The waiter is registered before the prompt is sent so a fast reply is
// never missed. Every exit path removes it.
//
// # Waiters
//
// Waiters are scoped one-shot subscriptions keyed by channel ID and author
// ID. An inbound message resolves exactly one waiter: the oldest registered
// for its key. Two turns racing on the same conversation therefore receive
// replies in the order they registered.
//
// Inbound messages are deduplicated by ID before they reach the waiters.
package conversation
