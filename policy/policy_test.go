package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

const (
	queueARN  = "arn:aws:sqs:eu-west-1:123456789012:orders-api-orders"
	ordersARN = "arn:aws:sns:eu-west-1:123456789012:orders"
	refundARN = "arn:aws:sns:eu-west-1:123456789012:refunds"
)

type policyTestSuite struct {
	suite.Suite
	authorizer Authorizer
}

func (suite *policyTestSuite) SetupSuite() {
	a, err := NewRegoAuthorizer(context.TODO())
	if err != nil {
		suite.Fail(err.Error())
		return
	}

	suite.authorizer = a
}

func (suite *policyTestSuite) authorized(policy string, topic string) bool {
	doc, err := Parse(policy)
	suite.Require().NoError(err)

	ok, err := suite.authorizer.Authorized(context.TODO(), doc, topic)
	suite.Require().NoError(err)
	return ok
}

func (suite *policyTestSuite) TestEmptyPolicyDenies() {
	suite.False(suite.authorized("", ordersARN))
}

func (suite *policyTestSuite) TestGrantedTopic() {
	doc := NewDocument()
	suite.Require().NoError(doc.Grant(queueARN, ordersARN))

	suite.True(suite.authorized(doc.String(), ordersARN))
	suite.False(suite.authorized(doc.String(), refundARN))
}

func (suite *policyTestSuite) TestSingleStatementObject() {
	policy := `{
		"Version": "2012-10-17",
		"Statement": {
			"Effect": "Allow",
			"Principal": "*",
			"Action": ["sqs:ReceiveMessage", "SQS:SendMessage"],
			"Resource": "` + queueARN + `",
			"Condition": {"ArnEquals": {"aws:SourceArn": ["` + refundARN + `", "` + ordersARN + `"]}}
		}
	}`

	suite.True(suite.authorized(policy, ordersARN))
}

func (suite *policyTestSuite) TestWildcardSource() {
	policy := `{
		"Statement": [{
			"Effect": "Allow",
			"Action": "sqs:*",
			"Condition": {"ArnLike": {"aws:SourceArn": "arn:aws:sns:eu-west-1:123456789012:*"}}
		}]
	}`

	suite.True(suite.authorized(policy, ordersARN))
	suite.False(suite.authorized(policy, "arn:aws:sns:us-east-1:123456789012:orders"))
}

func (suite *policyTestSuite) TestDenyAndWrongAction() {
	deny := `{"Statement":[{"Effect":"Deny","Action":"sqs:SendMessage","Condition":{"ArnEquals":{"aws:SourceArn":"` + ordersARN + `"}}}]}`
	suite.False(suite.authorized(deny, ordersARN))

	receive := `{"Statement":[{"Effect":"Allow","Action":"sqs:ReceiveMessage","Condition":{"ArnEquals":{"aws:SourceArn":"` + ordersARN + `"}}}]}`
	suite.False(suite.authorized(receive, ordersARN))
}

func TestPolicyTestSuite(t *testing.T) {
	suite.Run(t, new(policyTestSuite))
}
