package api

import "time"

// Wire protocol identity. A connection starts with the magic and the
// speaker's version; peers with a different major version are mutually
// undecodable and must fail the connection instead of guessing.
const (
	ProtocolMagic   uint32 = 0x504d5348 // "PMSH"
	ProtocolVersion uint16 = 3
)

const (
	DefaultResolverListen = ":9310"
	DefaultAdminListen    = ":9311"
)

const (
	// DefaultHeartbeatInterval is how often publishers and idle channels
	// emit heartbeats.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultPublisherLease is how long the resolver keeps a publisher's
	// entries after its last heartbeat.
	DefaultPublisherLease = 30 * time.Second
)

// Per-chunk request bounds on the resolver server. One oversized batch is
// split at these limits so it cannot starve other clients of the workers.
const (
	MaxReadOpsPerChunk  = 1_000_000
	MaxWriteOpsPerChunk = 100_000
)

// Resolver client batch timeout parameters: max(floor, cost per op x ops).
const (
	ResolverTimeoutFloor  = 15 * time.Second
	ResolverReadOpCost    = 50 * time.Microsecond
	ResolverWriteOpCost   = 250 * time.Microsecond
	DefaultReferralBound  = 32
	DefaultIdleConnWindow = 60 * time.Second
)

// Subscriber defaults.
const (
	DefaultResubscribeWave  = 100_000
	DefaultWriteQueueBound  = 1000
	DefaultReconnectBackoff = 1 * time.Second
	MaxReconnectBackoff     = 60 * time.Second
)
