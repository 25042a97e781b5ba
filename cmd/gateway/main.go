package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/parapetlabs/parapet/pkg/alerts"
	"github.com/parapetlabs/parapet/pkg/config"
	"github.com/parapetlabs/parapet/pkg/dlp"
	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/llm"
	"github.com/parapetlabs/parapet/pkg/routing"
	"github.com/parapetlabs/parapet/pkg/rules"
	"github.com/parapetlabs/parapet/pkg/scoring"
	"github.com/parapetlabs/parapet/pkg/session"
	"github.com/parapetlabs/parapet/pkg/store"
	"github.com/parapetlabs/parapet/pkg/timeline"
)

const Version = "0.5.0"

// Gateway owns the scoring pipeline and the stores behind the HTTP
// API. Every handler goes through the same engine and router, so a
// session scores identically whether it arrives via ingest, route,
// or timeline rebuild.
type Gateway struct {
	cfg      *config.Config
	log      zerolog.Logger
	backends *store.Backends
	engine   *scoring.Engine
	router   *routing.Router
	alerts   *alerts.Service
	timeline *timeline.Builder
	executor *llm.Executor
}

// NewGateway wires the pipeline from a validated config. Options that
// are zero-valued in the config fall through to each component's
// defaults.
func NewGateway(cfg *config.Config, logger zerolog.Logger, backends *store.Backends) *Gateway {
	xopts := []features.Option{
		features.WithRephraseThreshold(cfg.RephraseThreshold),
		features.WithRephraseWindow(cfg.RephraseWindow),
	}
	// An empty override keeps the built-in keyword list.
	if len(cfg.Keywords) > 0 {
		xopts = append(xopts, features.WithKeywords(cfg.Keywords))
	}

	engine := scoring.NewEngine(
		scoring.WithExtractor(features.NewExtractor(xopts...)),
		scoring.WithRules(rules.TunedRules(cfg.Thresholds)),
		scoring.WithWeights(cfg.Weights),
		scoring.WithBands(cfg.Bands),
		scoring.WithBaseline(cfg.Baseline),
		scoring.WithCap(cfg.Cap),
	)

	ropts := []routing.RouterOption{
		routing.WithBlockScore(cfg.BlockScore),
		routing.WithReviewScore(cfg.ReviewScore),
	}
	if len(cfg.BlockLabels) > 0 {
		ropts = append(ropts, routing.WithBlockLabels(cfg.BlockLabels))
	}
	if len(cfg.ReviewLabels) > 0 {
		ropts = append(ropts, routing.WithReviewLabels(cfg.ReviewLabels))
	}

	return &Gateway{
		cfg:      cfg,
		log:      logger,
		backends: backends,
		engine:   engine,
		router:   routing.NewRouter(ropts...),
		alerts:   alerts.NewService(backends.Alerts, alerts.WithThreshold(cfg.AlertThreshold)),
		timeline: timeline.NewBuilder(engine, timeline.WithTruncate(cfg.TimelineTruncate)),
		executor: llm.NewExecutor(
			llm.WithBaseURL(cfg.OllamaBaseURL),
			llm.WithModel(cfg.OllamaModel),
			llm.WithProviders(llm.Provider(cfg.PrimaryProvider), llm.Provider(cfg.SafeProvider)),
			llm.WithTimeout(cfg.ExecutorTimeout),
			llm.WithConcurrency(cfg.ModelConcurrency),
		),
	}
}

// App builds the fiber application with all routes registered. The dev
// reset endpoint only exists when dev mode is on.
func (g *Gateway) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "parapet " + Version,
	})

	app.Use(g.requestLogger())

	app.Get("/health", g.handleHealth)
	app.Post("/v1/events", g.handleIngest)
	app.Get("/v1/alerts", g.handleAlerts)
	app.Get("/v1/alerts/:session_id", g.handleSessionAlerts)
	app.Get("/v1/active", g.handleActive)
	app.Get("/v1/timeline/:session_id", g.handleTimeline)
	app.Get("/v1/config", g.handleConfig)
	app.Post("/v1/route", g.handleRoute)
	if g.cfg.DevMode {
		app.Post("/v1/dev/reset", g.handleReset)
	}

	return app
}

func (g *Gateway) requestLogger() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/health" {
			return err
		}
		g.log.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
		return err
	}
}

func (g *Gateway) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleIngest validates and persists one event, rescores the whole
// session, and answers with the route decision so callers can act
// without a second round trip. Alert emission rides the same pass.
func (g *Gateway) handleIngest(c fiber.Ctx) error {
	var ev session.Event
	if err := c.Bind().Body(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}
	if err := ev.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	ev.SessionID = session.NormalizeSessionID(ev.SessionID)

	ctx := c.Context()
	id, err := g.backends.Events.InsertEvent(ctx, ev)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("event insert failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event insert failed"})
	}

	events, err := g.backends.Events.SessionEvents(ctx, ev.SessionID)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("session load failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session load failed"})
	}

	res, bundle := g.engine.Score(events)
	decision := g.router.Route(ev.SessionID, res, bundle)

	alert, emitted, err := g.alerts.MaybeEmit(ctx, ev.SessionID, res)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("alert emit failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "alert emit failed"})
	}
	if emitted {
		g.log.Warn().
			Str("session_id", ev.SessionID).
			Int("score", alert.Score).
			Str("severity", alert.Severity).
			Str("top_reason", alert.TopReason).
			Msg("alert emitted")
	}

	return c.JSON(fiber.Map{
		"received":   true,
		"event_id":   id,
		"session_id": ev.SessionID,
		"alerted":    emitted,
		"route":      decision,
	})
}

func (g *Gateway) handleAlerts(c fiber.Ctx) error {
	limit := queryInt(c, "limit", store.DefaultListLimit)
	list, err := g.backends.Alerts.List(c.Context(), limit)
	if err != nil {
		g.log.Error().Err(err).Msg("alert list failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "alert list failed"})
	}
	return c.JSON(fiber.Map{"alerts": list})
}

func (g *Gateway) handleSessionAlerts(c fiber.Ctx) error {
	sid := session.NormalizeSessionID(c.Params("session_id"))
	list, err := g.backends.Alerts.ListBySession(c.Context(), sid)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", sid).Msg("alert list failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "alert list failed"})
	}
	return c.JSON(fiber.Map{"session_id": sid, "alerts": list})
}

func (g *Gateway) handleActive(c fiber.Ctx) error {
	window := queryInt(c, "window_seconds", 3600)
	if window < 1 {
		window = 3600
	}
	q := alerts.ActiveQuery{
		Cutoff:   time.Now().UTC().Add(-time.Duration(window) * time.Second),
		MinScore: queryInt(c, "min_score", 0),
		Label:    c.Query("label"),
		Severity: c.Query("severity"),
		Limit:    queryInt(c, "limit", 0),
	}
	list, err := g.backends.Alerts.ListActive(c.Context(), q)
	if err != nil {
		g.log.Error().Err(err).Msg("active alert list failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "active alert list failed"})
	}
	return c.JSON(fiber.Map{"window_seconds": window, "active": list})
}

func (g *Gateway) handleTimeline(c fiber.Ctx) error {
	sid := session.NormalizeSessionID(c.Params("session_id"))
	events, err := g.backends.Events.SessionEvents(c.Context(), sid)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", sid).Msg("session load failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session load failed"})
	}
	if len(events) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no events for session"})
	}
	return c.JSON(g.timeline.Build(sid, events))
}

func (g *Gateway) handleConfig(c fiber.Ctx) error {
	snap := g.cfg.Snapshot()
	snap["version"] = Version
	snap["model"] = g.executor.Model()
	snap["model_slots"] = g.executor.Stats()
	return c.JSON(snap)
}

// routeRequest asks for a decision on a session. Prompt overrides the
// session's last user message as the forwarding input.
type routeRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt,omitempty"`
	System    string `json:"system,omitempty"`
}

// routeResponse is the decision plus the forwarded completion when
// forwarding is on. The output passes through DLP redaction before it
// leaves the gateway.
type routeResponse struct {
	routing.Decision
	Forwarded      bool     `json:"forwarded"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Output         string   `json:"output,omitempty"`
	OutputFindings []string `json:"output_findings,omitempty"`
}

func (g *Gateway) handleRoute(c fiber.Ctx) error {
	var req routeRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}
	sid := session.NormalizeSessionID(req.SessionID)

	ctx := c.Context()
	events, err := g.backends.Events.SessionEvents(ctx, sid)
	if err != nil {
		g.log.Error().Err(err).Str("session_id", sid).Msg("session load failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session load failed"})
	}
	if len(events) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no events for session"})
	}

	res, bundle := g.engine.Score(events)
	decision := g.router.Route(sid, res, bundle)
	resp := routeResponse{Decision: decision}

	prompt := req.Prompt
	if prompt == "" {
		if turns := session.LastUserMessagePerTurn(events); len(turns) > 0 {
			prompt = turns[len(turns)-1].Content
		}
	}

	if g.cfg.ForwardEnabled && prompt != "" {
		completion, err := g.executor.Execute(ctx, decision.Decision, prompt, req.System)
		switch {
		case errors.Is(err, llm.ErrBusy):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "model at capacity"})
		case err != nil:
			g.log.Error().Err(err).Str("session_id", sid).Msg("forward failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "forward failed: " + err.Error()})
		}
		redacted, findings := dlp.Redact(completion.Text)
		resp.Forwarded = true
		resp.Provider = string(completion.Provider)
		resp.Model = completion.Model
		resp.Output = redacted
		resp.OutputFindings = findings
	}

	return c.JSON(resp)
}

func (g *Gateway) handleReset(c fiber.Ctx) error {
	if err := g.backends.Reset(c.Context()); err != nil {
		g.log.Error().Err(err).Msg("reset failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reset failed"})
	}
	g.log.Warn().Msg("stores reset")
	return c.JSON(fiber.Map{"reset": true})
}

func queryInt(c fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// newLogger builds the service logger. Console output is for humans
// at a terminal; anything else gets JSON lines on stderr.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.NewConsoleWriter()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "parapet").Logger()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("parapet-gateway %s\n", Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[STARTUP] %v", err)
	}
	cfg.MustValidate()

	logger := newLogger(cfg)

	backends, err := store.Open(cfg.StoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("store", store.Kind(cfg.StoreDSN)).Msg("store open failed")
	}
	defer backends.Close()

	g := NewGateway(cfg, logger, backends)
	app := g.App()

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("store", store.Kind(cfg.StoreDSN)).
		Str("model", g.executor.Model()).
		Bool("forwarding", cfg.ForwardEnabled).
		Bool("dev", cfg.DevMode).
		Msg("parapet gateway listening")

	if err := app.Listen(cfg.ListenAddr); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
