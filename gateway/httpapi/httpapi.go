// Package httpapi exposes gateway.Gateway over a fiber/v2 REST front door:
// submit, query, and speculate, with correlation-ID propagation in and out
// (spec §6's "external interfaces" / §4.6's REST surface).
package httpapi

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/gateway"
	"github.com/angzarr-io/kernel/internal/kernel"
)

// Server wraps a fiber.App serving gateway.Gateway.
type Server struct {
	app *fiber.App
	gw  *gateway.Gateway
	log *zap.Logger
}

// New builds a Server. Call Listen to start serving.
func New(gw *gateway.Gateway, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s := &Server{app: app, gw: gw, log: logger}
	s.routes()
	return s
}

// App exposes the underlying fiber.App for middleware registration or testing.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts serving on addr, blocking until the server stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	v1 := s.app.Group("/v1")
	v1.Post("/domains/:domain/roots/:root/commands", s.submit)
	v1.Post("/domains/:domain/roots/:root/speculate", s.speculate)
	v1.Get("/domains/:domain/roots/:root", s.query)
}

type commandPageDTO struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

type submitRequest struct {
	Edition       string           `json:"edition"`
	CorrelationID string           `json:"correlation_id"`
	Pages         []commandPageDTO `json:"pages"`
}

type eventPageDTO struct {
	Sequence  uint32 `json:"sequence"`
	CreatedAt string `json:"created_at"`
	TypeURL   string `json:"type_url"`
	Value     []byte `json:"value"`
}

type eventBookResponse struct {
	Domain        string         `json:"domain"`
	Root          string         `json:"root"`
	Edition       string         `json:"edition"`
	CorrelationID string         `json:"correlation_id"`
	Pages         []eventPageDTO `json:"pages"`
}

func toCover(c *fiber.Ctx, edition, correlationID string) (kernel.Cover, error) {
	root, err := uuid.Parse(c.Params("root"))
	if err != nil {
		return kernel.Cover{}, kernel.Rejected("invalid root: " + err.Error())
	}
	return kernel.Cover{Domain: c.Params("domain"), Root: root, Edition: edition, CorrelationID: correlationID}, nil
}

func toCommandBook(cover kernel.Cover, req submitRequest) kernel.CommandBook {
	pages := make([]kernel.CommandPage, len(req.Pages))
	for i, p := range req.Pages {
		pages[i] = kernel.NewCommandPage(kernel.TypedPayload{TypeURL: p.TypeURL, Value: p.Value})
	}
	return kernel.CommandBook{Cover: cover, Pages: pages}
}

func toResponse(book *kernel.EventBook) eventBookResponse {
	if book == nil {
		return eventBookResponse{}
	}
	pages := make([]eventPageDTO, len(book.Pages))
	for i, p := range book.Pages {
		pages[i] = eventPageDTO{Sequence: p.Sequence, CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05.000000Z07:00"), TypeURL: p.Event.TypeURL, Value: p.Event.Value}
	}
	return eventBookResponse{
		Domain: book.Cover.Domain, Root: book.Cover.Root.String(), Edition: book.Cover.EffectiveEdition(),
		CorrelationID: book.Cover.CorrelationID, Pages: pages,
	}
}

func correlationID(c *fiber.Ctx) string {
	return c.Get(kernel.CorrelationHeader)
}

func (s *Server) submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, kernel.Rejected("malformed request body"))
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = correlationID(c)
	}
	cover, err := toCover(c, req.Edition, corr)
	if err != nil {
		return writeError(c, err)
	}
	book, err := s.gw.Submit(c.Context(), toCommandBook(cover, req))
	if err != nil {
		return writeError(c, err)
	}
	// Submit synthesizes a correlation ID when none was supplied (spec §4.6),
	// so echo back whatever book.Cover actually carries rather than the
	// possibly-empty request-derived corr.
	c.Set(kernel.CorrelationHeader, book.Cover.CorrelationID)
	return c.Status(fiber.StatusCreated).JSON(toResponse(book))
}

func (s *Server) speculate(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, kernel.Rejected("malformed request body"))
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = correlationID(c)
	}
	cover, err := toCover(c, req.Edition, corr)
	if err != nil {
		return writeError(c, err)
	}
	book, err := s.gw.Speculate(c.Context(), toCommandBook(cover, req))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toResponse(book))
}

func (s *Server) query(c *fiber.Ctx) error {
	cover, err := toCover(c, c.Query("edition"), correlationID(c))
	if err != nil {
		return writeError(c, err)
	}
	q := kernel.Query{Cover: cover}
	if lower := c.Query("from_sequence"); lower != "" {
		n, err := strconv.ParseUint(lower, 10, 32)
		if err != nil {
			return writeError(c, kernel.Rejected("invalid from_sequence"))
		}
		q.Range = &kernel.SequenceRange{Lower: uint32(n)}
		if upper := c.Query("to_sequence"); upper != "" {
			u, err := strconv.ParseUint(upper, 10, 32)
			if err != nil {
				return writeError(c, kernel.Rejected("invalid to_sequence"))
			}
			upper32 := uint32(u)
			q.Range.Upper = &upper32
		}
	}
	if asOf := c.Query("as_of_sequence"); asOf != "" {
		n, err := strconv.ParseUint(asOf, 10, 32)
		if err != nil {
			return writeError(c, kernel.Rejected("invalid as_of_sequence"))
		}
		seq := uint32(n)
		q.Temporal = &kernel.TemporalSelection{AsOfSequence: &seq}
	}

	book, err := s.gw.Query(c.Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toResponse(book))
}

type errorResponse struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeError(c *fiber.Ctx, err error) error {
	ke, ok := kernel.AsKernelError(err)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Kind: "Unavailable", Message: "service temporarily unavailable"})
	}
	return c.Status(statusFor(ke.Kind)).JSON(errorResponse{Kind: ke.Kind.String(), Message: ke.Message, CorrelationID: ke.CorrelationID})
}

func statusFor(kind kernel.ErrorKind) int {
	switch kind {
	case kernel.KindRejected:
		return fiber.StatusUnprocessableEntity
	case kernel.KindNotFound:
		return fiber.StatusNotFound
	case kernel.KindUnavailable, kernel.KindTimeout:
		return fiber.StatusServiceUnavailable
	case kernel.KindInternalConsistency:
		return fiber.StatusConflict
	case kernel.KindPoisonMessage:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
