// Package aws is the SNS/SQS gateway.
package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
)

// confirmed blanks the placeholder SNS returns for unconfirmed subscriptions.
func confirmed(arn string) string {
	if strings.EqualFold(strings.ReplaceAll(arn, " ", ""), "PendingConfirmation") {
		return ""
	}

	return arn
}

type SNSAPI interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	DeleteTopic(ctx context.Context, params *sns.DeleteTopicInput, optFns ...func(*sns.Options)) (*sns.DeleteTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SQSAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
}

type Gateway struct {
	region string
	sns    SNSAPI
	sqs    SQSAPI
}

// NewGateway loads the default credential chain for region. A non-empty
// endpoint overrides both service endpoints, e.g. for localstack.
func NewGateway(ctx context.Context, region string, endpoint string) (*Gateway, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	snsClient := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewGatewayWithClients(region, snsClient, sqsClient), nil
}

func NewGatewayWithClients(region string, snsClient SNSAPI, sqsClient SQSAPI) *Gateway {
	return &Gateway{
		region: region,
		sns:    snsClient,
		sqs:    sqsClient,
	}
}

var errorCodes = map[string]error{
	"NotFound":                                  gateway.ErrNotFound,
	"NotFoundException":                         gateway.ErrNotFound,
	"QueueDoesNotExist":                         gateway.ErrNotFound,
	"AWS.SimpleQueueService.NonExistentQueue":   gateway.ErrNotFound,
	"QueueAlreadyExists":                        gateway.ErrAlreadyExists,
	"QueueNameExists":                           gateway.ErrAlreadyExists,
	"AuthorizationError":                        gateway.ErrAccessDenied,
	"AuthorizationErrorException":               gateway.ErrAccessDenied,
	"AccessDenied":                              gateway.ErrAccessDenied,
	"AccessDeniedException":                     gateway.ErrAccessDenied,
	"InvalidClientTokenId":                      gateway.ErrAccessDenied,
	"KMSAccessDenied":                           gateway.ErrAccessDenied,
	"InvalidParameter":                          gateway.ErrInvalidRequest,
	"InvalidParameterException":                 gateway.ErrInvalidRequest,
	"InvalidParameterValue":                     gateway.ErrInvalidRequest,
	"InvalidParameterValueException":            gateway.ErrInvalidRequest,
	"InvalidAttributeName":                      gateway.ErrInvalidRequest,
	"InvalidAttributeValue":                     gateway.ErrInvalidRequest,
	"InvalidMessageContents":                    gateway.ErrInvalidRequest,
	"ValidationError":                           gateway.ErrInvalidRequest,
	"Throttling":                                gateway.ErrThrottled,
	"ThrottlingException":                       gateway.ErrThrottled,
	"Throttled":                                 gateway.ErrThrottled,
	"ThrottledException":                        gateway.ErrThrottled,
	"RequestThrottled":                          gateway.ErrThrottled,
	"TooManyRequestsException":                  gateway.ErrThrottled,
	"AWS.SimpleQueueService.RequestThrottled":   gateway.ErrThrottled,
	"InternalError":                             gateway.ErrUnavailable,
	"InternalFailure":                           gateway.ErrUnavailable,
	"ServiceUnavailable":                        gateway.ErrUnavailable,
	"AWS.SimpleQueueService.ServiceUnavailable": gateway.ErrUnavailable,
}

func classify(op string, resource string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel, ok := errorCodes[apiErr.ErrorCode()]; ok {
			err = errors.Join(sentinel, err)
		}
	}

	return gateway.Classify(op, resource, err)
}

// nameOf returns the last segment of an ARN or queue URL.
func nameOf(id string) string {
	if i := strings.LastIndexAny(id, ":/"); i >= 0 {
		return id[i+1:]
	}

	return id
}

func (g *Gateway) topicHandle(arn string) gateway.TopicHandle {
	return gateway.TopicHandle{
		Region: g.region,
		Name:   nameOf(arn),
		ID:     arn,
	}
}

func (g *Gateway) queueHandle(url string) gateway.QueueHandle {
	return gateway.QueueHandle{
		Region: g.region,
		Name:   nameOf(url),
		URL:    url,
	}
}

func (g *Gateway) CreateTopic(ctx context.Context, name string) (gateway.TopicHandle, error) {
	out, err := g.sns.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(name),
	})

	if err != nil {
		return gateway.TopicHandle{}, classify("create_topic", name, err)
	}

	return g.topicHandle(aws.ToString(out.TopicArn)), nil
}

// ListTopics pages through every topic; SNS has no server-side name filter.
func (g *Gateway) ListTopics(ctx context.Context, prefix string) ([]gateway.TopicHandle, error) {
	topics := make([]gateway.TopicHandle, 0)

	paginator := sns.NewListTopicsPaginator(g.sns, &sns.ListTopicsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list_topics", prefix, err)
		}

		for _, t := range page.Topics {
			topic := g.topicHandle(aws.ToString(t.TopicArn))
			if strings.HasPrefix(topic.Name, prefix) {
				topics = append(topics, topic)
			}
		}
	}

	return topics, nil
}

func (g *Gateway) DeleteTopic(ctx context.Context, topic gateway.TopicHandle) error {
	_, err := g.sns.DeleteTopic(ctx, &sns.DeleteTopicInput{
		TopicArn: aws.String(topic.ID),
	})

	return classify("delete_topic", topic.Name, err)
}

func (g *Gateway) CreateQueue(ctx context.Context, name string, attrs gateway.Attributes) (gateway.QueueHandle, error) {
	out, err := g.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})

	if err != nil {
		var exists *sqstypes.QueueNameExists
		if errors.As(err, &exists) {
			err = errors.Join(gateway.ErrAlreadyExists, err)
		}

		return gateway.QueueHandle{}, classify("create_queue", name, err)
	}

	return g.queueHandle(aws.ToString(out.QueueUrl)), nil
}

func (g *Gateway) ListQueues(ctx context.Context, prefix string) ([]gateway.QueueHandle, error) {
	queues := make([]gateway.QueueHandle, 0)

	paginator := sqs.NewListQueuesPaginator(g.sqs, &sqs.ListQueuesInput{
		QueueNamePrefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list_queues", prefix, err)
		}

		for _, url := range page.QueueUrls {
			queues = append(queues, g.queueHandle(url))
		}
	}

	return queues, nil
}

func (g *Gateway) DeleteQueue(ctx context.Context, queue gateway.QueueHandle) error {
	_, err := g.sqs.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(queue.URL),
	})

	return classify("delete_queue", queue.Name, err)
}

func (g *Gateway) GetQueueAttributes(ctx context.Context, queue gateway.QueueHandle, keys ...string) (gateway.Attributes, error) {
	names := []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll}
	if len(keys) > 0 {
		names = make([]sqstypes.QueueAttributeName, len(keys))
		for i, k := range keys {
			names[i] = sqstypes.QueueAttributeName(k)
		}
	}

	out, err := g.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queue.URL),
		AttributeNames: names,
	})

	if err != nil {
		var missing *sqstypes.QueueDoesNotExist
		if errors.As(err, &missing) {
			err = errors.Join(gateway.ErrNotFound, err)
		}

		return nil, classify("get_queue_attributes", queue.Name, err)
	}

	return out.Attributes, nil
}

func (g *Gateway) SetQueueAttributes(ctx context.Context, queue gateway.QueueHandle, attrs gateway.Attributes) error {
	_, err := g.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queue.URL),
		Attributes: attrs,
	})

	return classify("set_queue_attributes", queue.Name, err)
}

func (g *Gateway) Subscribe(ctx context.Context, topic gateway.TopicHandle, queue gateway.QueueHandle) (gateway.SubscriptionLink, error) {
	attrs, err := g.GetQueueAttributes(ctx, queue, gateway.AttrQueueArn)
	if err != nil {
		return gateway.SubscriptionLink{}, err
	}

	endpoint := attrs[gateway.AttrQueueArn]

	out, err := g.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topic.ID),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(endpoint),
	})

	if err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", topic.Name, err)
	}

	return gateway.SubscriptionLink{
		ARN:      confirmed(aws.ToString(out.SubscriptionArn)),
		Topic:    topic,
		Protocol: "sqs",
		Endpoint: endpoint,
	}, nil
}

// ListSubscriptions reports links still pending confirmation with an empty ARN.
func (g *Gateway) ListSubscriptions(ctx context.Context, topic gateway.TopicHandle) ([]gateway.SubscriptionLink, error) {
	links := make([]gateway.SubscriptionLink, 0)

	paginator := sns.NewListSubscriptionsByTopicPaginator(g.sns, &sns.ListSubscriptionsByTopicInput{
		TopicArn: aws.String(topic.ID),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list_subscriptions", topic.Name, err)
		}

		for _, s := range page.Subscriptions {
			links = append(links, gateway.SubscriptionLink{
				ARN:      confirmed(aws.ToString(s.SubscriptionArn)),
				Topic:    topic,
				Protocol: aws.ToString(s.Protocol),
				Endpoint: aws.ToString(s.Endpoint),
			})
		}
	}

	return links, nil
}

func (g *Gateway) Send(ctx context.Context, topic gateway.TopicHandle, msg *message.Message) error {
	body, err := message.Marshal(msg)
	if err != nil {
		return classify("send", topic.Name, errors.Join(gateway.ErrInvalidRequest, err))
	}

	attrs := make(map[string]snstypes.MessageAttributeValue)
	for k, v := range msg.Attributes() {
		if v == "" {
			continue
		}

		attrs[k] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	_, err = g.sns.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topic.ID),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})

	return classify("send", topic.Name, err)
}

func (g *Gateway) Close() error {
	return nil
}
