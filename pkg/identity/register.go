package identity

import (
	"context"
	"fmt"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/types"
)

const Role = "identity"

var (
	VerifyPattern = bus.Pattern{Role: Role, Cmd: "verify"}
	SignPattern   = bus.Pattern{Role: Role, Cmd: "sign"}
	ConfigPattern = bus.Pattern{Role: Role, Cmd: "config"}
)

type VerifyArgs struct {
	Token string
}

type ConfigArgs struct {
	Channel  *types.Entity
	Platform *types.Entity
}

// Register binds the {identity,verify}, {identity,sign} and {identity,config}
// queries to s.
func Register(b *bus.Bus, s *Service) error {
	if err := b.RegisterQueryHandler(VerifyPattern, func(ctx context.Context, args any) (any, error) {
		a, ok := args.(VerifyArgs)
		if !ok {
			return nil, fmt.Errorf("verify got %T: %w", args, storage.ErrInvalidArgs)
		}
		return s.Verify(ctx, a.Token)
	}); err != nil {
		return err
	}

	if err := b.RegisterQueryHandler(SignPattern, func(_ context.Context, args any) (any, error) {
		c, ok := args.(Claims)
		if !ok {
			return nil, fmt.Errorf("sign got %T: %w", args, storage.ErrInvalidArgs)
		}
		return s.Sign(c)
	}); err != nil {
		return err
	}

	return b.RegisterQueryHandler(ConfigPattern, func(_ context.Context, args any) (any, error) {
		a, ok := args.(ConfigArgs)
		if !ok {
			return nil, fmt.Errorf("config got %T: %w", args, storage.ErrInvalidArgs)
		}
		return ComposeConfig(a.Channel, a.Platform), nil
	})
}
