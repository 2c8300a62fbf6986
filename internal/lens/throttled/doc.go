// Package throttled implements the fixed-rate broadcast lens.
//
// One shared overwrite-latest table holds the newest value per sensor and
// attribute. Each configured rate owns a ticker and a well-known broadcast
// topic (vitalmesh/lens/throttled/{hz}hz); consumers pick a rate by
// subscribing to its topic, with no registration protocol.
//
// Exactly one rate — the clearing rate, by default the fastest — drains
// the table when it fires, so a value is broadcast at most once per
// clearing interval. The other rates publish snapshots without clearing.
// Empty table, no message.
package throttled
