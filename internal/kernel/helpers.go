package kernel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known type_url constants, mirroring proto_ext::constants in spirit.
const (
	UnknownDomain  = "unknown"
	WildcardDomain = "*"
	TypeURLPrefix  = "type.googleapis.com/"
)

// TypeURL constructs a full type URL from a package and type name.
func TypeURL(packageName, typeName string) string {
	return TypeURLPrefix + packageName + "." + typeName
}

// TypeNameFromURL extracts the bare type name from a type URL.
func TypeNameFromURL(typeURL string) string {
	if idx := strings.LastIndex(typeURL, "."); idx >= 0 {
		return typeURL[idx+1:]
	}
	if idx := strings.LastIndex(typeURL, "/"); idx >= 0 {
		return typeURL[idx+1:]
	}
	return typeURL
}

// typeURLMatches checks if a type URL ends with the given suffix. Suffix
// matching is how every router in this package dispatches, replacing the
// open-recursion dispatch the distilled design calls out.
func typeURLMatches(typeURL, suffix string) bool {
	return strings.HasSuffix(typeURL, suffix)
}

// DomainOrUnknown returns the cover's domain, or UnknownDomain if empty.
func (c Cover) DomainOrUnknown() string {
	if c.Domain == "" {
		return UnknownDomain
	}
	return c.Domain
}

// RootIDHex returns the root UUID as its hex digits without hyphens.
func (c Cover) RootIDHex() string {
	return strings.ReplaceAll(c.Root.String(), "-", "")
}

// CacheKey generates a stable cache key from the edition-qualified domain +
// root, used by
// position stores and snapshot caches keyed off a Cover.
func (c Cover) CacheKey() string {
	return c.QualifiedDomain() + ":" + c.Root.String()
}

// NewCover builds a Cover for the default edition.
func NewCover(domain string, root uuid.UUID, correlationID string) Cover {
	return Cover{Domain: domain, Root: root, CorrelationID: correlationID}
}

// NewCoverWithEdition builds a Cover on a named edition.
func NewCoverWithEdition(domain string, root uuid.UUID, correlationID, edition string) Cover {
	return Cover{Domain: domain, Root: root, CorrelationID: correlationID, Edition: edition}
}

// NewCommandPage builds a command page that does not assert an expected
// post-sequence (HasSequence false, FailOnConflict by default).
func NewCommandPage(command TypedPayload) CommandPage {
	return CommandPage{Command: command}
}

// NewCommandPageWithSequence builds a command page asserting sequence under
// the given merge strategy.
func NewCommandPageWithSequence(sequence uint32, strategy MergeStrategy, command TypedPayload) CommandPage {
	return CommandPage{Sequence: sequence, HasSequence: true, MergeStrategy: strategy, Command: command}
}

// NewCommandBook wraps one or more command pages under a cover.
func NewCommandBook(cover Cover, pages ...CommandPage) CommandBook {
	return CommandBook{Cover: cover, Pages: pages}
}

// DecodeEvent reports whether page's event type_url matches typeSuffix and,
// if so, unmarshals its value into msg.
func DecodeEvent(page EventPage, typeSuffix string, unmarshal func([]byte) error) bool {
	if !typeURLMatches(page.Event.TypeURL, typeSuffix) {
		return false
	}
	return unmarshal(page.Event.Value) == nil
}

// Now returns the current time truncated to the wire-precision (microsecond)
// every event page timestamp uses.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ParseTimestamp parses an RFC3339 timestamp string.
func ParseTimestamp(rfc3339 string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return time.Time{}, Rejected("invalid timestamp: " + err.Error())
	}
	return t, nil
}
