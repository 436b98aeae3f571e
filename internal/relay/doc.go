// Package relay routes intercom signaling messages between connected
// participants.
//
// Each participant owns one long-lived channel. The router keeps the set of
// open channels and the participant registry in lockstep: a channel is added
// to both when it opens and removed from both when it closes, and every such
// change (plus every successful join) is followed by one presence broadcast.
// Any message that is not a join is forwarded byte-for-byte to every other
// open channel; the relay never inspects session-negotiation payloads.
package relay
