// Package kernel provides event version transformation via UpcasterRouter.
package kernel

// UpcasterHandler transforms an old event payload to its current shape.
type UpcasterHandler func(old TypedPayload) TypedPayload

// UpcasterRouter transforms old event versions to current versions.
//
// Events matching registered handlers are transformed. Events without a
// matching handler pass through unchanged.
//
//	router := NewUpcasterRouter("order").
//	    On("OrderCreatedV1", upcastCreatedV1).
//	    On("OrderShippedV1", upcastShippedV1)
//
//	newEvents := router.Upcast(oldEvents)
type UpcasterRouter struct {
	domain   string
	handlers []upcasterEntry
}

type upcasterEntry struct {
	suffix  string
	handler UpcasterHandler
}

// NewUpcasterRouter creates a new upcaster router for a domain.
func NewUpcasterRouter(domain string) *UpcasterRouter {
	return &UpcasterRouter{domain: domain}
}

// On registers a handler for an old event type_url suffix. The suffix is
// matched against the end of the event's type_url, e.g. "OrderCreatedV1"
// matches "type.googleapis.com/examples.OrderCreatedV1".
func (r *UpcasterRouter) On(suffix string, handler UpcasterHandler) *UpcasterRouter {
	r.handlers = append(r.handlers, upcasterEntry{suffix: suffix, handler: handler})
	return r
}

// Upcast transforms a list of event pages to current versions.
func (r *UpcasterRouter) Upcast(pages []EventPage) []EventPage {
	result := make([]EventPage, 0, len(pages))
	for _, page := range pages {
		transformed := false
		for _, entry := range r.handlers {
			if typeURLMatches(page.Event.TypeURL, entry.suffix) {
				newPage := page
				newPage.Event = entry.handler(page.Event)
				result = append(result, newPage)
				transformed = true
				break
			}
		}
		if !transformed {
			result = append(result, page)
		}
	}
	return result
}

// Domain returns the domain this upcaster handles.
func (r *UpcasterRouter) Domain() string {
	return r.domain
}
