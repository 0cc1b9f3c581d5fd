// Package backend builds the region-keyed gateways for the configured driver.
package backend

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/gateway/aws"
	"github.com/mirror520/notification/gateway/inmem"
	"github.com/mirror520/notification/gateway/kv"
	"github.com/mirror520/notification/gateway/nats"
	"github.com/mirror520/notification/policy"
)

var ErrDriverNotSupported = errors.New("driver not supported")

type factory func(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error)

var factories = map[conf.BackendDriver]factory{
	conf.AWS:      awsGateways,
	conf.NATS:     natsGateways,
	conf.BadgerDB: kvGateways,
	conf.InMem:    inmemGateways,
}

func AddFactory(driver conf.BackendDriver, factory factory) {
	factories[driver] = factory
}

// NewGateways returns gateways for cfg.Driver. Gateways are created lazily,
// one per region, on first use.
func NewGateways(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error) {
	factory, ok := factories[cfg.Driver]
	if !ok {
		return nil, ErrDriverNotSupported
	}

	return factory(ctx, cfg, authorizer)
}

func awsGateways(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error) {
	return gateway.NewGateways(func(ctx context.Context, region string) (gateway.Gateway, error) {
		return aws.NewGateway(ctx, region, cfg.Endpoint)
	}), nil
}

func natsGateways(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error) {
	return gateway.NewGateways(func(ctx context.Context, region string) (gateway.Gateway, error) {
		return nats.NewGateway(cfg.URL, region, nats.WithAuthorizer(authorizer))
	}), nil
}

func inmemGateways(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error) {
	return gateway.NewGateways(func(ctx context.Context, region string) (gateway.Gateway, error) {
		return inmem.NewGateway(region), nil
	}), nil
}

// kvGateways shares one database across regions and closes it with the
// gateways.
func kvGateways(ctx context.Context, cfg conf.Backend, authorizer policy.Authorizer) (gateway.Gateways, error) {
	db, err := kv.Open(cfg)
	if err != nil {
		return nil, err
	}

	gateways := gateway.NewGateways(func(ctx context.Context, region string) (gateway.Gateway, error) {
		return kv.NewGateway(db, region, kv.WithAuthorizer(authorizer)), nil
	})

	return &dbGateways{gateways, db}, nil
}

type dbGateways struct {
	gateway.Gateways
	db *badger.DB
}

func (gs *dbGateways) Close() error {
	return errors.Join(gs.Gateways.Close(), gs.db.Close())
}
