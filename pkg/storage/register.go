package storage

import (
	"context"
	"fmt"

	"github.com/oddnetworks/oddworks/pkg/bus"
	"github.com/oddnetworks/oddworks/pkg/types"
)

const Role = "store"

const (
	CmdGet      = "get"
	CmdSet      = "set"
	CmdBatchGet = "batchGet"
	CmdList     = "list"
	CmdQuery    = "query"
	CmdIndex    = "index"
)

func GetPattern(typ string) bus.Pattern {
	return bus.Pattern{Role: Role, Cmd: CmdGet, Type: typ}
}

func SetPattern(typ string) bus.Pattern {
	return bus.Pattern{Role: Role, Cmd: CmdSet, Type: typ}
}

func IndexPattern(typ string) bus.Pattern {
	return bus.Pattern{Role: Role, Cmd: CmdIndex, Type: typ}
}

var (
	BatchGetPattern = bus.Pattern{Role: Role, Cmd: CmdBatchGet}
	ListPattern     = bus.Pattern{Role: Role, Cmd: CmdList}
	QueryPattern    = bus.Pattern{Role: Role, Cmd: CmdQuery}
)

// Register binds ds to b: {store,get,T} queries and {store,set,T} commands for
// every type T the datastore holds, plus the broad {store,batchGet} and
// {store,list} queries.
func Register(b *bus.Bus, ds Datastore) error {
	for _, typ := range ds.Types() {
		if err := b.RegisterQueryHandler(GetPattern(typ), getHandler(ds, typ)); err != nil {
			return err
		}
		if err := b.RegisterCommandHandler(SetPattern(typ), setHandler(ds, typ)); err != nil {
			return err
		}
	}

	if err := b.RegisterQueryHandler(BatchGetPattern, func(ctx context.Context, args any) (any, error) {
		a, ok := args.(BatchGetArgs)
		if !ok {
			return nil, fmt.Errorf("batchGet got %T: %w", args, ErrInvalidArgs)
		}
		return ds.BatchGet(ctx, a)
	}); err != nil {
		return err
	}

	return b.RegisterQueryHandler(ListPattern, func(ctx context.Context, args any) (any, error) {
		a, ok := args.(ListArgs)
		if !ok {
			return nil, fmt.Errorf("list got %T: %w", args, ErrInvalidArgs)
		}
		return ds.List(ctx, a)
	})
}

func getHandler(ds Datastore, typ string) bus.QueryHandler {
	return func(ctx context.Context, args any) (any, error) {
		a, ok := args.(GetArgs)
		if !ok {
			return nil, fmt.Errorf("get %s got %T: %w", typ, args, ErrInvalidArgs)
		}
		a.Type = typ
		return ds.Get(ctx, a)
	}
}

func setHandler(ds Datastore, typ string) bus.CommandHandler {
	return func(ctx context.Context, payload any) (any, error) {
		entity, ok := payload.(*types.Entity)
		if !ok {
			return nil, fmt.Errorf("set %s got %T: %w", typ, payload, ErrInvalidArgs)
		}
		if entity.Type != typ {
			return nil, fmt.Errorf("set %s got a %s entity: %w", typ, entity.Type, ErrInvalidEntity)
		}
		return ds.Set(ctx, entity)
	}
}

// Get is the typed form of a {store,get,T} query.
func Get(ctx context.Context, b *bus.Bus, args GetArgs) (*types.Entity, error) {
	return bus.QueryAs[*types.Entity](ctx, b, GetPattern(args.Type), args)
}

// Set is the typed form of a {store,set,T} command.
func Set(ctx context.Context, b *bus.Bus, entity *types.Entity) (*types.Entity, error) {
	return bus.SendCommandAs[*types.Entity](ctx, b, SetPattern(entity.Type), entity)
}

// BatchGet is the typed form of a {store,batchGet} query.
func BatchGet(ctx context.Context, b *bus.Bus, args BatchGetArgs) ([]*types.Entity, error) {
	return bus.QueryAs[[]*types.Entity](ctx, b, BatchGetPattern, args)
}

// List is the typed form of a {store,list} query.
func List(ctx context.Context, b *bus.Bus, args ListArgs) ([]*types.Entity, error) {
	return bus.QueryAs[[]*types.Entity](ctx, b, ListPattern, args)
}
