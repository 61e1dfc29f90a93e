// Package api exposes the control surface over HTTP and a websocket.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/accounts"
	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/scheduler"
	"github.com/spigell/delivery-engine/internal/verification"
)

const (
	headerAccount = "X-Account-ID"
	queryAccount  = "account"
	localsAccount = "account"
)

var errBadRequest = errors.New("bad request")

// Deps are the components behind the API.
type Deps struct {
	Accounts *accounts.Registry
	Records  records.Store
	Verifier *verification.Coordinator
	Events   *broadcast.Broadcaster
	Logger   *zap.Logger
	Version  string
	// AllowOrigins is passed to the CORS middleware. Empty allows all.
	AllowOrigins string
	// Now defaults to time.Now.
	Now func() time.Time
}

type server struct {
	Deps
}

// New builds the fiber application.
func New(deps Deps) *fiber.App {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AllowOrigins == "" {
		deps.AllowOrigins = "*"
	}

	s := &server{Deps: deps}

	app := fiber.New(fiber.Config{
		AppName:               "delivery-engine",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: deps.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, " + headerAccount,
	}))
	app.Use(s.logRequests)

	app.Get("/health", s.health)

	delivery := app.Group("/delivery")
	delivery.Post("/start", s.start)
	delivery.Post("/stop", s.stop)
	delivery.Post("/acknowledge", s.acknowledge)
	delivery.Get("/status", s.status)
	delivery.Get("/config", s.getConfig)
	delivery.Put("/config", s.putConfig)
	delivery.Get("/records", s.listRecords)
	delivery.Patch("/records/:id", s.patchRecord)
	delivery.Get("/statistics", s.statistics)
	delivery.Post("/manual", s.manual)

	verify := app.Group("/verification-code")
	verify.Post("/submit", s.submitCode)
	verify.Get("/pending", s.pendingCodes)
	verify.Get("/request/:id", s.getRequest)

	s.registerWebsocket(app)

	return app
}

// accountID reads the account from the header, then the query string.
func accountID(c *fiber.Ctx) string {
	if id := c.Get(headerAccount); id != "" {
		return id
	}
	if id := c.Query(queryAccount); id != "" {
		return id
	}
	return accounts.DefaultAccount
}

func (s *server) account(c *fiber.Ctx) (*accounts.Account, error) {
	return s.Accounts.Get(c.UserContext(), accountID(c))
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, errBadRequest),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, accounts.ErrInvalidAccount),
		errors.Is(err, verification.ErrEmptyCode):
		return fiber.StatusBadRequest
	case errors.Is(err, verification.ErrNotFound),
		errors.Is(err, records.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, verification.ErrAlreadyOpen),
		errors.Is(err, records.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrFatalUnacknowledged),
		errors.Is(err, scheduler.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, scheduler.ErrDailyCapReached),
		errors.Is(err, scheduler.ErrHourlyCapReached):
		return fiber.StatusTooManyRequests
	case errors.Is(err, posting.ErrFatal),
		errors.Is(err, posting.ErrTransient):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.Logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func (s *server) logRequests(c *fiber.Ctx) error {
	started := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		status = statusFor(err)
	}

	s.Logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(started)),
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
	)
	return err
}

func (s *server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"version":     s.Version,
		"accounts":    len(s.Accounts.IDs()),
		"subscribers": s.Events.Subscribers(),
	})
}
