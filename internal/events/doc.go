// Package events publishes segment status transitions for outside consumers.
//
// When events.redis_url is configured every committed transition is appended
// to a Redis stream as a JSON document; otherwise transitions are dropped.
// Publishing is best effort: a Redis outage is logged and never affects the
// segment state machine.
package events
