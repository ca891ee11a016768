// Package bus defines the Event Bus contract (spec §4.2, §6): fan-out of
// appended events to subscribers, ordered per (domain, root, edition),
// at-least-once delivery. Concrete drivers live in subpackages (membus,
// natsbus); the core never names one.
package bus

import (
	"context"

	"github.com/angzarr-io/kernel/internal/kernel"
)

// Handler processes one delivered EventBook. Handlers must be idempotent:
// the bus may redeliver (spec §4.2 "at-least-once").
type Handler func(ctx context.Context, book kernel.EventBook) error

// SubscriberConfig names a subscription: the durable subscriber id, the
// domain patterns subscribed to (may include the wildcard kernel.WildcardDomain),
// and whether delivery persists checkpoints across restarts.
type SubscriberConfig struct {
	SubscriberID string
	Domains      []string
	Durable      bool
}

// Bus is the logical contract every driver (membus, natsbus) implements.
// Publish returns once the bus driver has accepted the book; ordering per
// cover is preserved end to end (spec §4.2).
type Bus interface {
	// Publish fans an EventBook out to every matching subscriber.
	Publish(ctx context.Context, domain string, book kernel.EventBook) error

	// Subscribe registers handler for cfg's domains, returning an unsubscribe
	// function. Delivery for a single subscriber is strictly sequential per
	// cover (spec §5 "per-subscriber single-threadedness").
	Subscribe(ctx context.Context, cfg SubscriberConfig, handler Handler) (func(), error)
}

// domainMatches reports whether pattern matches domain, where pattern may be
// the wildcard or an exact domain name.
func domainMatches(pattern, domain string) bool {
	return pattern == kernel.WildcardDomain || pattern == domain
}

// DomainMatches is the exported form of domainMatches, for driver packages
// that need the same matching rule outside this package.
func DomainMatches(pattern, domain string) bool { return domainMatches(pattern, domain) }
