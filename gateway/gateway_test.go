package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(Classify("send", "orders", nil))

	err := Classify("send", "orders", ErrNotFound)
	assert.True(IsPermanent(err))
	assert.False(IsTransient(err))
	assert.ErrorIs(err, ErrNotFound)
	assert.Equal("send orders: resource not found", err.Error())

	err = Classify("send", "orders", fmt.Errorf("wrapped: %w", ErrAccessDenied))
	assert.True(IsPermanent(err))

	err = Classify("send", "orders", ErrThrottled)
	assert.True(IsTransient(err))

	err = Classify("send", "orders", errors.New("connection reset"))
	assert.True(IsTransient(err))

	err = Classify("send", "orders", context.DeadlineExceeded)
	assert.False(IsTransient(err))
	assert.False(IsPermanent(err))
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	inner := NewError("create_topic", "orders", Permanent, errors.New("boom"))
	err := Classify("provision", "orders", fmt.Errorf("outer: %w", inner))
	assert.True(t, IsPermanent(err))
}

type fakeGateway struct {
	Gateway
	region string
	closed int
}

func (g *fakeGateway) Close() error {
	g.closed++
	return nil
}

func TestGatewaysCachePerRegion(t *testing.T) {
	assert := assert.New(t)

	built := 0
	gs := NewGateways(func(ctx context.Context, region string) (Gateway, error) {
		built++
		return &fakeGateway{region: region}, nil
	})

	eu1, err := gs.Gateway(context.Background(), "eu-west-1")
	assert.NoError(err)

	eu2, err := gs.Gateway(context.Background(), "eu-west-1")
	assert.NoError(err)
	assert.Same(eu1, eu2)

	us, err := gs.Gateway(context.Background(), "us-east-1")
	assert.NoError(err)
	assert.NotSame(eu1, us)
	assert.Equal(2, built)

	assert.NoError(gs.Close())
	assert.Equal(1, eu1.(*fakeGateway).closed)
	assert.Equal(1, us.(*fakeGateway).closed)
}

func TestStaticClosesOnce(t *testing.T) {
	g := &fakeGateway{}
	gs := Static(g)

	gs.Gateway(context.Background(), "eu-west-1")
	gs.Gateway(context.Background(), "us-east-1")

	assert.NoError(t, gs.Close())
	assert.Equal(t, 1, g.closed)
}

func TestSlowRegionDoesNotBlockOthers(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	var built atomic.Int32
	gs := NewGateways(func(ctx context.Context, region string) (Gateway, error) {
		built.Add(1)
		if region == "ap-southeast-2" {
			<-release
		}

		return &fakeGateway{region: region}, nil
	})

	var wg sync.WaitGroup
	slow := make([]Gateway, 4)
	for i := range slow {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := gs.Gateway(context.Background(), "ap-southeast-2")
			assert.NoError(err)
			slow[i] = g
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := gs.Gateway(context.Background(), "eu-west-1")
		assert.NoError(err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail("eu-west-1 waited on ap-southeast-2")
	}

	close(release)
	wg.Wait()

	for _, g := range slow {
		assert.Same(slow[0], g)
	}
	assert.Equal(int32(2), built.Load())

	assert.NoError(gs.Close())
}
