// Package fabric provides the typed publish/subscribe event bus that every
// other component communicates through.
//
// The bus is deliberately non-durable: it carries no replay guarantee.
// Subsystems that need a log keep their own (the orchestrator does, via its
// record store). Delivery is synchronous per subscriber and isolated: a
// handler that panics or errors is logged and reported in the publish
// outcome, and delivery continues to the remaining subscribers.
package fabric
