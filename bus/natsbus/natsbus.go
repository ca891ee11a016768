// Package natsbus is a nats.go JetStream-backed Bus driver: the distributed
// option for multi-process deployments, replacing membus's in-process
// channels with a durable, replicated stream.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/internal/kernel"
)

const (
	streamName   = "ANGZARR"
	subjectRoot  = "angzarr.events"
	ackWait      = 30 * time.Second
	maxRedeliver = 5
)

// wireBook is the JSON wire shape published to JetStream; TypedPayload's
// opaque bytes travel as base64 via encoding/json's []byte handling.
type wireBook struct {
	Domain        string          `json:"domain"`
	Root          string          `json:"root"`
	Edition       string          `json:"edition"`
	CorrelationID string          `json:"correlation_id"`
	Pages         []wirePage      `json:"pages"`
}

type wirePage struct {
	Sequence  uint32    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	TypeURL   string    `json:"type_url"`
	Value     []byte    `json:"value"`
}

// Bus is a JetStream-backed bus.Bus.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials url, ensures the ANGZARR stream exists, and returns a Bus.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("angzarr"))
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsbus: jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectRoot + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil && !strings.Contains(err.Error(), "already") {
		nc.Close()
		return nil, fmt.Errorf("natsbus: add stream: %w", err)
	}
	return &Bus{nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

func subject(domain string) string {
	return subjectRoot + "." + strings.ReplaceAll(domain, ".", "_")
}

// Publish implements bus.Bus by publishing to JetStream and waiting for the
// stream's persistence ack, satisfying spec invariant 3: "a published event
// is durable ... before any subscriber observes it".
func (b *Bus) Publish(ctx context.Context, domain string, book kernel.EventBook) error {
	wire := wireBook{
		Domain:        book.Cover.Domain,
		Root:          book.Cover.Root.String(),
		Edition:       book.Cover.Edition,
		CorrelationID: book.Cover.CorrelationID,
		Pages:         make([]wirePage, len(book.Pages)),
	}
	for i, p := range book.Pages {
		wire.Pages[i] = wirePage{Sequence: p.Sequence, CreatedAt: p.CreatedAt, TypeURL: p.Event.TypeURL, Value: p.Event.Value}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return kernel.Rejected("natsbus: encode book: " + err.Error())
	}
	_, err = b.js.Publish(subject(domain), data, nats.Context(ctx))
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// Subscribe implements bus.Bus using a JetStream push consumer per
// (subscriber, domain pattern), durable when cfg.Durable is set, with manual ack — a Nak on handler failure
// triggers JetStream's own redelivery, mirroring membus's retry-then-
// quarantine shape but delegated to the broker's redelivery counter.
func (b *Bus) Subscribe(ctx context.Context, cfg bus.SubscriberConfig, handler bus.Handler) (func(), error) {
	var subs []*nats.Subscription

	for _, domain := range cfg.Domains {
		subj := subjectRoot + ".>"
		if domain != kernel.WildcardDomain {
			subj = subject(domain)
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(maxRedeliver),
		}
		if cfg.Durable {
			opts = append(opts, nats.Durable(sanitizeDurableName(cfg.SubscriberID+"_"+domain)))
		}

		sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
			var wire wireBook
			if err := json.Unmarshal(msg.Data, &wire); err != nil {
				// Malformed payload can never succeed on redelivery; terminate it
				// immediately rather than burn the redelivery budget.
				_ = msg.Term()
				return
			}
			book := toEventBook(wire)
			if err := handler(ctx, book); err != nil {
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}, opts...)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, kernel.UnavailableErr(err)
		}
		subs = append(subs, sub)
	}

	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	return unsubscribe, nil
}

func toEventBook(wire wireBook) kernel.EventBook {
	root, _ := uuid.Parse(wire.Root)
	cover := kernel.Cover{Domain: wire.Domain, Root: root, Edition: wire.Edition, CorrelationID: wire.CorrelationID}
	pages := make([]kernel.EventPage, len(wire.Pages))
	for i, p := range wire.Pages {
		pages[i] = kernel.EventPage{Sequence: p.Sequence, CreatedAt: p.CreatedAt, Event: kernel.TypedPayload{TypeURL: p.TypeURL, Value: p.Value}}
	}
	return kernel.EventBook{Cover: cover, Pages: pages}
}

func sanitizeDurableName(id string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "wild", ">", "all").Replace(id)
}
