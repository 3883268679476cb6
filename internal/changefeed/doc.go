// Package changefeed delivers Session row mutations to per-session subscribers.
//
// Delivery is at-least-once and unordered. Consumers must compare the
// incoming Finished value against what they last observed rather than
// reacting to every event, and must Ack each Delivery once handled.
//
// Two implementations are provided:
//
//   - Broadcaster: in-process fan-out over buffered channels. Ack is a no-op.
//   - WatermillFeed: any watermill Publisher/Subscriber pair. NewGoChannelFeed
//     runs in-process; NewRedisFeed uses Redis Streams so several gateway
//     instances share one feed. Redelivered message UUIDs are dropped.
package changefeed
