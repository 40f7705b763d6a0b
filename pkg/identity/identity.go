// Package identity issues and verifies the bearer tokens that establish who a
// caller is. Verification resolves the channel, platform and viewer a token
// references into materialized entities by querying the store over the bus.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/telemetry"
	"github.com/oddnetworks/oddworks/pkg/types"
)

var tracer = otel.Tracer("oddworks/pkg/identity")

// AdminAudience is the audience that grants administrative scope.
const AdminAudience = "admin"

// DefaultSigningMethod is used when Config.SigningMethod is empty.
const DefaultSigningMethod = "HS256"

// Claims is the claim set a token is signed from. Secret and Issuer override
// the service configuration for a single call.
type Claims struct {
	Audience []string `json:"audience"`
	Subject  string   `json:"subject,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Viewer   string   `json:"viewer,omitempty"`

	Secret string `json:"-"`
	Issuer string `json:"-"`
}

// Identity is a verified caller. Channel, Platform and Viewer are set only when
// the token referenced them, and each existed when the token was verified.
type Identity struct {
	Audience []string
	Subject  string
	Channel  *types.Entity
	Platform *types.Entity
	Viewer   *types.Entity
}

// IsAdmin reports whether the identity carries the administrative audience.
func (i *Identity) IsAdmin() bool {
	return i != nil && slices.Contains(i.Audience, AdminAudience)
}

// ChannelID returns the id of the resolved channel, or an empty string.
func (i *Identity) ChannelID() string {
	if i == nil || i.Channel == nil {
		return ""
	}
	return i.Channel.ID
}

type tokenClaims struct {
	Channel  string `json:"channel,omitempty"`
	Platform string `json:"platform,omitempty"`
	Viewer   string `json:"viewer,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret        string
	Issuer        string
	SigningMethod string

	// TokenTTL sets the expiry of signed tokens. Zero issues tokens that never expire.
	TokenTTL time.Duration
}

type Service struct {
	bus    *bus.Bus
	secret []byte
	issuer string
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// New creates a service signing with an HMAC method. An empty secret is
// rejected.
func New(b *bus.Bus, cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("identity secret is required")
	}

	name := cfg.SigningMethod
	if name == "" {
		name = DefaultSigningMethod
	}
	method, ok := jwt.GetSigningMethod(name).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing method %q", name)
	}

	return &Service{
		bus:    b,
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		method: method,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}, nil
}

// Sign issues a token for c. The channel, platform and viewer ids travel as
// custom claims; issuer, audience and subject as registered claims. A subject
// takes precedence over platform and viewer.
func (s *Service) Sign(c Claims) (string, error) {
	if len(c.Audience) == 0 {
		return "", ErrMissingAudience
	}
	if !slices.Contains(c.Audience, AdminAudience) && c.Channel == "" {
		return "", ErrMissingChannel
	}

	issuer := s.issuer
	if c.Issuer != "" {
		issuer = c.Issuer
	}
	secret := s.secret
	if c.Secret != "" {
		secret = []byte(c.Secret)
	}

	now := s.now()
	tc := tokenClaims{
		Channel: c.Channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Audience: jwt.ClaimStrings(c.Audience),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if s.ttl > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	switch {
	case c.Subject != "":
		tc.Subject = c.Subject
	case c.Platform != "" && c.Viewer != "":
		tc.Platform = c.Platform
		tc.Viewer = c.Viewer
	case c.Platform != "":
		tc.Platform = c.Platform
	default:
		return "", ErrMissingSubjectOrPlatform
	}

	return jwt.NewWithClaims(s.method, tc).SignedString(secret)
}

// Verify validates token and resolves the entities it references. Every
// lookup runs concurrently and all of them settle before a missing entity is
// reported, in channel, platform, viewer order.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "identity.Verify")
	defer span.End()

	tc := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, tc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithValidMethods([]string{s.method.Alg()}))
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	id := &Identity{Audience: []string(tc.Audience), Subject: tc.Subject}
	if id.Audience == nil {
		id.Audience = []string{}
	}
	span.SetAttributes(attribute.Bool("admin", id.IsAdmin()), attribute.String("channel", tc.Channel))

	if !id.IsAdmin() && tc.Channel == "" {
		return nil, ErrNoChannel
	}

	switch {
	case tc.Subject != "" && tc.Channel != "":
		found, err := s.resolve(ctx, tc.Channel, lookup{types.TypeChannel, tc.Channel})
		if err != nil {
			return nil, err
		}
		id.Channel = found[0]
	case tc.Subject != "":
	case tc.Platform != "" && tc.Viewer != "":
		found, err := s.resolve(ctx, tc.Channel,
			lookup{types.TypeChannel, tc.Channel},
			lookup{types.TypePlatform, tc.Platform},
			lookup{types.TypeViewer, tc.Viewer},
		)
		if err != nil {
			return nil, err
		}
		id.Channel, id.Platform, id.Viewer = found[0], found[1], found[2]
	case tc.Platform != "":
		found, err := s.resolve(ctx, tc.Channel,
			lookup{types.TypeChannel, tc.Channel},
			lookup{types.TypePlatform, tc.Platform},
		)
		if err != nil {
			return nil, err
		}
		id.Channel, id.Platform = found[0], found[1]
	default:
		return nil, ErrNoSubjectOrPlatform
	}

	return id, nil
}

type lookup struct {
	typ string
	id  string
}

func (s *Service) resolve(ctx context.Context, channel string, lookups ...lookup) ([]*types.Entity, error) {
	found := make([]*types.Entity, len(lookups))

	var g errgroup.Group
	for i, l := range lookups {
		if l.id == "" {
			continue
		}
		g.Go(func() error {
			e, err := storage.Get(ctx, s.bus, storage.GetArgs{ID: l.id, Type: l.typ, Channel: channel})
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			found[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, l := range lookups {
		if found[i] == nil {
			return nil, &NotFoundError{Type: l.typ, ID: l.id}
		}
	}
	return found, nil
}
