// Package fanout delivers conversation events to live listeners.
//
// Each conversation id is a room. A Hub keeps one lock per room, so a publish
// to one room never waits on delivery to another, and events published to a
// room reach each subscriber in publish order. Delivery is best-effort and
// at-most-once: a subscriber with a full buffer misses the event, and a
// per-subscription seen-window drops ids the listener has already rendered.
//
// RedisRelay mirrors publications across gateway instances through Redis
// pub/sub. Cross-instance ordering is whatever Redis provides.
package fanout
