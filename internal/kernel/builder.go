package kernel

import (
	"github.com/google/uuid"
)

// CommandBuilder provides fluent construction of a CommandBook, mirroring
// the teacher's client-side builder without a live client dependency: the
// gateway and test code consume the built CommandBook directly.
type CommandBuilder struct {
	domain        string
	root          *uuid.UUID
	correlationID string
	sequence      uint32
	hasSequence   bool
	strategy      MergeStrategy
	payload       TypedPayload
	err           error
}

// NewCommandBuilder creates a command builder for an existing aggregate.
func NewCommandBuilder(domain string, root uuid.UUID) *CommandBuilder {
	return &CommandBuilder{domain: domain, root: &root}
}

// NewCommandBuilderNew creates a command builder for a new aggregate (no root yet).
func NewCommandBuilderNew(domain string) *CommandBuilder {
	return &CommandBuilder{domain: domain}
}

// WithCorrelationID sets the correlation ID for request tracing.
func (b *CommandBuilder) WithCorrelationID(id string) *CommandBuilder {
	b.correlationID = id
	return b
}

// WithSequence sets the expected post-condition sequence under strategy,
// for optimistic concurrency control.
func (b *CommandBuilder) WithSequence(seq uint32, strategy MergeStrategy) *CommandBuilder {
	b.sequence = seq
	b.hasSequence = true
	b.strategy = strategy
	return b
}

// WithCommand sets the command's type URL and opaque payload.
func (b *CommandBuilder) WithCommand(typeURL string, value []byte) *CommandBuilder {
	if typeURL == "" {
		b.err = Rejected("command type_url not set")
		return b
	}
	b.payload = TypedPayload{TypeURL: typeURL, Value: value}
	return b
}

// Build constructs the CommandBook.
func (b *CommandBuilder) Build() (CommandBook, error) {
	if b.err != nil {
		return CommandBook{}, b.err
	}
	if b.payload.TypeURL == "" {
		return CommandBook{}, Rejected("command payload not set")
	}

	correlationID := b.correlationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	cover := Cover{Domain: b.domain, CorrelationID: correlationID}
	if b.root != nil {
		cover.Root = *b.root
	} else {
		cover.Root = DeterministicRoot(correlationID)
	}

	page := CommandPage{Command: b.payload}
	if b.hasSequence {
		page.Sequence = b.sequence
		page.HasSequence = true
		page.MergeStrategy = b.strategy
	}

	return CommandBook{Cover: cover, Pages: []CommandPage{page}}, nil
}

// QueryBuilder provides fluent construction of a Query.
type QueryBuilder struct {
	domain        string
	root          *uuid.UUID
	correlationID string
	rangeSelect   *SequenceRange
	temporal      *TemporalSelection
	edition       string
	err           error
}

// NewQueryBuilder creates a query builder for a specific aggregate.
func NewQueryBuilder(domain string, root uuid.UUID) *QueryBuilder {
	return &QueryBuilder{domain: domain, root: &root}
}

// NewQueryBuilderDomain creates a query builder by domain only (use with ByCorrelationID).
func NewQueryBuilderDomain(domain string) *QueryBuilder {
	return &QueryBuilder{domain: domain}
}

// ByCorrelationID queries by correlation ID instead of root.
func (b *QueryBuilder) ByCorrelationID(id string) *QueryBuilder {
	b.correlationID = id
	b.root = nil
	return b
}

// WithEdition queries events from a specific edition.
func (b *QueryBuilder) WithEdition(edition string) *QueryBuilder {
	b.edition = edition
	return b
}

// Range queries a range of sequences from lower (inclusive), unbounded above.
func (b *QueryBuilder) Range(lower uint32) *QueryBuilder {
	b.rangeSelect = &SequenceRange{Lower: lower}
	return b
}

// RangeTo queries a range of sequences with an inclusive upper bound.
func (b *QueryBuilder) RangeTo(lower, upper uint32) *QueryBuilder {
	b.rangeSelect = &SequenceRange{Lower: lower, Upper: &upper}
	return b
}

// AsOfSequence queries state as of a specific sequence number.
func (b *QueryBuilder) AsOfSequence(seq uint32) *QueryBuilder {
	b.temporal = &TemporalSelection{AsOfSequence: &seq}
	return b
}

// AsOfTime queries state as of a specific timestamp (RFC3339 format).
func (b *QueryBuilder) AsOfTime(rfc3339 string) *QueryBuilder {
	ts, err := ParseTimestamp(rfc3339)
	if err != nil {
		b.err = err
		return b
	}
	b.temporal = &TemporalSelection{AsOfTime: &ts}
	return b
}

// Build constructs the Query.
func (b *QueryBuilder) Build() (Query, error) {
	if b.err != nil {
		return Query{}, b.err
	}

	cover := Cover{Domain: b.domain, CorrelationID: b.correlationID, Edition: b.edition}
	if b.root != nil {
		cover.Root = *b.root
	}

	return Query{Cover: cover, Range: b.rangeSelect, Temporal: b.temporal}, nil
}
