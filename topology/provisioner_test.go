package topology

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/consistency"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/gateway/inmem"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/policy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const region = "eu-west-1"

type provisionerTestSuite struct {
	suite.Suite
	ctx        context.Context
	gw         *inmem.Gateway
	waiter     *consistency.Waiter
	authorizer policy.Authorizer
}

func (suite *provisionerTestSuite) SetupSuite() {
	suite.ctx = context.Background()
	suite.waiter = &consistency.Waiter{
		Interval: 5 * time.Millisecond,
		MaxWait:  2 * time.Second,
	}

	authorizer, err := policy.NewRegoAuthorizer(suite.ctx)
	if err != nil {
		suite.Fail(err.Error())
		return
	}

	suite.authorizer = authorizer
}

func (suite *provisionerTestSuite) SetupTest() {
	suite.gw = inmem.NewGateway(region, inmem.WithLag(30*time.Millisecond))
}

func (suite *provisionerTestSuite) provisioner() *Provisioner {
	return NewProvisioner(gateway.Static(suite.gw), suite.waiter, suite.authorizer)
}

func (suite *provisionerTestSuite) subscription(topic string, queue string) conf.Subscription {
	return conf.Subscription{
		Key:               topic,
		Topic:             topic,
		Queue:             queue,
		Region:            region,
		VisibilityTimeout: 30 * time.Second,
	}
}

func (suite *provisionerTestSuite) policyOf(queue gateway.QueueHandle) *policy.Document {
	attrs, err := suite.gw.GetQueueAttributes(suite.ctx, queue, gateway.AttrPolicy)
	suite.Require().NoError(err)

	doc, err := policy.Parse(attrs[gateway.AttrPolicy])
	suite.Require().NoError(err)
	return doc
}

func (suite *provisionerTestSuite) TestEnsureTopologyFromScratch() {
	cfg := suite.subscription("orders", "orders-api-orders")

	topology, err := suite.provisioner().EnsureTopology(suite.ctx, cfg)
	suite.Require().NoError(err)

	suite.Equal("orders", topology.Topic.Name)
	suite.Equal("orders-api-orders", topology.Queue.Name)
	suite.Equal("arn:inmem:sqs:eu-west-1:000000000000:orders-api-orders", topology.Link.Endpoint)
	suite.Equal(1, suite.gw.Calls(inmem.OpSubscribe))
	suite.Equal(1, suite.gw.Calls(inmem.OpSetQueueAttributes))

	attrs, err := suite.gw.GetQueueAttributes(suite.ctx, topology.Queue, gateway.AttrVisibilityTimeout)
	suite.Require().NoError(err)
	suite.Equal("30", attrs[gateway.AttrVisibilityTimeout])

	msg := message.NewWithKey("orders", map[string]string{"id": "1"})
	suite.Require().NoError(suite.gw.Send(suite.ctx, topology.Topic, msg))
	suite.Len(suite.gw.Received("orders-api-orders"), 1)
}

func (suite *provisionerTestSuite) TestEnsureTopologyIsIdempotent() {
	cfg := suite.subscription("orders", "orders-api-orders")

	first, err := suite.provisioner().EnsureTopology(suite.ctx, cfg)
	suite.Require().NoError(err)

	// a fresh provisioner has no cached handles and must still not rewrite
	second, err := suite.provisioner().EnsureTopology(suite.ctx, cfg)
	suite.Require().NoError(err)

	suite.Equal(first, second)
	suite.Equal(1, suite.gw.Calls(inmem.OpCreateTopic))
	suite.Equal(1, suite.gw.Calls(inmem.OpCreateQueue))
	suite.Equal(1, suite.gw.Calls(inmem.OpSubscribe))
	suite.Equal(1, suite.gw.Calls(inmem.OpSetQueueAttributes))
	suite.Equal(1, suite.policyOf(first.Queue).Len())
}

func (suite *provisionerTestSuite) TestEnsureTopicMatchesExactName() {
	decoy, err := suite.gw.CreateTopic(suite.ctx, "orders-test")
	suite.Require().NoError(err)
	time.Sleep(40 * time.Millisecond)

	topic, err := suite.provisioner().EnsureTopic(suite.ctx, region, "orders")
	suite.Require().NoError(err)

	suite.Equal("orders", topic.Name)
	suite.NotEqual(decoy.ID, topic.ID)
	suite.True(strings.HasSuffix(topic.ID, ":orders"))
	suite.Equal(2, suite.gw.Calls(inmem.OpCreateTopic))
}

func (suite *provisionerTestSuite) TestEnsureTopicCachesHandle() {
	p := suite.provisioner()

	first, err := p.EnsureTopic(suite.ctx, region, "orders")
	suite.Require().NoError(err)

	lists := suite.gw.Calls(inmem.OpListTopics)

	second, err := p.EnsureTopic(suite.ctx, region, "orders")
	suite.Require().NoError(err)

	suite.Equal(first, second)
	suite.Equal(lists, suite.gw.Calls(inmem.OpListTopics))
}

func (suite *provisionerTestSuite) TestConcurrentEnsureTopicCreatesOnce() {
	p := suite.provisioner()

	var wg sync.WaitGroup
	handles := make([]gateway.TopicHandle, 8)
	errs := make([]error, 8)

	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = p.EnsureTopic(suite.ctx, region, "orders")
		}(i)
	}

	wg.Wait()

	for i := range handles {
		suite.NoError(errs[i])
		suite.Equal(handles[0], handles[i])
	}

	suite.Equal(1, suite.gw.Calls(inmem.OpCreateTopic))
}

func (suite *provisionerTestSuite) TestPolicyMergeKeepsExistingStatements() {
	legacy := `{"Version":"2012-10-17","Statement":[{"Sid":"Legacy","Effect":"Allow","Principal":"*","Action":"sqs:ReceiveMessage"}]}`

	_, err := suite.gw.CreateQueue(suite.ctx, "orders-api-shared", gateway.Attributes{
		gateway.AttrPolicy: legacy,
	})
	suite.Require().NoError(err)

	p := suite.provisioner()

	orders, err := p.EnsureTopology(suite.ctx, conf.Subscription{
		Topic: "orders", Queue: "orders-api-shared", Region: region,
	})
	suite.Require().NoError(err)

	refunds, err := p.EnsureTopology(suite.ctx, conf.Subscription{
		Topic: "refunds", Queue: "orders-api-shared", Region: region,
	})
	suite.Require().NoError(err)

	doc := suite.policyOf(orders.Queue)
	suite.Equal(3, doc.Len())
	suite.Contains(doc.String(), `"Legacy"`)

	for _, topic := range []gateway.TopicHandle{orders.Topic, refunds.Topic} {
		ok, err := suite.authorizer.Authorized(suite.ctx, doc, topic.ID)
		suite.Require().NoError(err)
		suite.True(ok, topic.Name)
	}
}

func (suite *provisionerTestSuite) TestReconcilesQueueAttributes() {
	_, err := suite.gw.CreateQueue(suite.ctx, "orders-api-orders", gateway.Attributes{
		gateway.AttrVisibilityTimeout: "10",
	})
	suite.Require().NoError(err)
	time.Sleep(40 * time.Millisecond)

	topology, err := suite.provisioner().EnsureTopology(suite.ctx, suite.subscription("orders", "orders-api-orders"))
	suite.Require().NoError(err)

	attrs, err := suite.gw.GetQueueAttributes(suite.ctx, topology.Queue, gateway.AttrVisibilityTimeout)
	suite.Require().NoError(err)
	suite.Equal("30", attrs[gateway.AttrVisibilityTimeout])

	// one write for the attribute, one for the policy
	suite.Equal(2, suite.gw.Calls(inmem.OpSetQueueAttributes))
}

func (suite *provisionerTestSuite) TestDeletedTopicFailsLoudly() {
	p := suite.provisioner()

	topic, err := p.EnsureTopic(suite.ctx, region, "orders")
	suite.Require().NoError(err)
	suite.Require().NoError(suite.gw.DeleteTopic(suite.ctx, topic))

	_, err = p.EnsureTopology(suite.ctx, suite.subscription("orders", "orders-api-orders"))
	suite.ErrorIs(err, gateway.ErrNotFound)
	suite.True(gateway.IsPermanent(err))
	suite.Equal(1, suite.gw.Calls(inmem.OpCreateTopic))
}

func (suite *provisionerTestSuite) TestConsistencyTimeout() {
	gw := inmem.NewGateway(region, inmem.WithLag(time.Hour))
	p := NewProvisioner(gateway.Static(gw), &consistency.Waiter{
		Interval: 5 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
	}, suite.authorizer)

	_, err := p.EnsureTopic(suite.ctx, region, "orders")
	suite.ErrorIs(err, consistency.ErrTimeout)
}

// hungGateway never answers a topic listing until its context ends.
type hungGateway struct {
	*inmem.Gateway
}

func (g hungGateway) ListTopics(ctx context.Context, prefix string) ([]gateway.TopicHandle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (suite *provisionerTestSuite) TestHungBackendIsBounded() {
	p := NewProvisioner(gateway.Static(hungGateway{suite.gw}), suite.waiter, suite.authorizer,
		WithTimeout(50*time.Millisecond),
	)
	suite.Equal(50*time.Millisecond, p.Timeout())

	start := time.Now()
	_, err := p.EnsureTopic(suite.ctx, region, "orders")
	suite.ErrorIs(err, context.DeadlineExceeded)
	suite.Less(time.Since(start), time.Second)

	// the failed run is not cached; the next call tries again
	_, err = p.EnsureTopic(suite.ctx, region, "orders")
	suite.ErrorIs(err, context.DeadlineExceeded)
	suite.Equal(0, suite.gw.Calls(inmem.OpCreateTopic))
}

func (suite *provisionerTestSuite) TestDefaultTimeoutCoversEveryWait() {
	suite.Equal(5*suite.waiter.MaxWait, suite.provisioner().Timeout())
}

func (suite *provisionerTestSuite) TestPermanentErrorStopsProvisioning() {
	suite.gw.Fail(inmem.OpCreateQueue, gateway.ErrAccessDenied)

	_, err := suite.provisioner().EnsureTopology(suite.ctx, suite.subscription("orders", "orders-api-orders"))
	suite.ErrorIs(err, gateway.ErrAccessDenied)
	suite.Equal(0, suite.gw.Calls(inmem.OpSubscribe))
}

func (suite *provisionerTestSuite) TestRejectsInvalidConfig() {
	_, err := suite.provisioner().EnsureTopology(suite.ctx, conf.Subscription{Topic: "orders", Region: region})
	suite.ErrorIs(err, conf.ErrInvalidConfig)
}

func TestProvisionerTestSuite(t *testing.T) {
	suite.Run(t, new(provisionerTestSuite))
}
