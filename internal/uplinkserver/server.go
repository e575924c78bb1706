package uplinkserver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"copilotmesh/internal/proto"
)

// TraceStore keeps the uploaded location traces per user and device.
type TraceStore interface {
	AppendLocations(ctx context.Context, user, device string, segs []proto.LocationSegment) error
	Locations(ctx context.Context, user, device string) ([]proto.LocationSegment, error)
}

// LineString is the trace shape the base-station display polls for.
type LineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
	Properties  Properties   `json:"properties"`
}

type Properties struct {
	TopSpeed float64 `json:"topSpeed"`
	Points   int     `json:"points"`
}

func NewLineString(segs []proto.LocationSegment) LineString {
	ls := LineString{Type: "LineString", Coordinates: make([][2]float64, 0, len(segs))}
	for _, s := range segs {
		ls.Coordinates = append(ls.Coordinates, [2]float64{s.Longitude, s.Latitude})
		if s.Speed > ls.Properties.TopSpeed {
			ls.Properties.TopSpeed = s.Speed
		}
	}
	ls.Properties.Points = len(segs)
	return ls
}

// New builds the uplink API. A non-empty secret requires every request to
// carry an HS256 bearer token whose subject is the user in the path.
func New(store TraceStore, secret string) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	auth := func(c *fiber.Ctx) error { return c.Next() }
	if secret != "" {
		auth = JWTMiddleware(secret)
	}
	r := app.Group("/users/:user/devices/:device")
	r.Post("/locations", auth, func(c *fiber.Ctx) error {
		var req proto.LocationTrace
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Locations) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "locations required")
		}
		if err := store.AppendLocations(c.Context(), c.Params("user"), c.Params("device"), req.Locations); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"stored": len(req.Locations)})
	})
	r.Get("/locations", auth, func(c *fiber.Ctx) error {
		segs, err := store.Locations(c.Context(), c.Params("user"), c.Params("device"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(NewLineString(segs))
	})
	return app
}

// JWTMiddleware checks the bearer token against the :user path parameter.
func JWTMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (interface{}, error) {
			return secretBytes, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "token invalid")
		}
		if claims.Subject != c.Params("user") {
			return fiber.NewError(fiber.StatusForbidden, "token subject does not match user")
		}
		return c.Next()
	}
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// MemoryTraces is a TraceStore for single-process deployments without Redis.
type MemoryTraces struct {
	mu     sync.Mutex
	traces map[string]map[float64]proto.LocationSegment
}

func NewMemoryTraces() *MemoryTraces {
	return &MemoryTraces{traces: make(map[string]map[float64]proto.LocationSegment)}
}

func (m *MemoryTraces) AppendLocations(_ context.Context, user, device string, segs []proto.LocationSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := user + "/" + device
	t := m.traces[k]
	if t == nil {
		t = make(map[float64]proto.LocationSegment)
		m.traces[k] = t
	}
	for _, s := range segs {
		t[s.EpochMs] = s
	}
	return nil
}

func (m *MemoryTraces) Locations(_ context.Context, user, device string) ([]proto.LocationSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.traces[user+"/"+device]
	out := make([]proto.LocationSegment, 0, len(t))
	for _, s := range t {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochMs < out[j].EpochMs })
	return out, nil
}
