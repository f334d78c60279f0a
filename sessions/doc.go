// Package sessions tracks the live booking sessions of a single gateway
// process.
//
// A Registry maps session IDs to Sessions. Each Session references the
// outbound Sink owned by the streaming layer, the identity bound when the
// stream was opened, and the set of resources the client subscribed to.
// At most one Sink is live per session ID: registering an ID that is already
// present closes the previous Sink before the new Session is installed.
//
// Subscriptions live on the Session, so removing a Session drops them too.
package sessions
