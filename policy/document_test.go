package policy

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func decode(t *testing.T, s string) map[string]any {
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestGrantKeepsUnrelatedStatements(t *testing.T) {
	existing := `{
		"Version": "2012-10-17",
		"Id": "orders-api-orders/SQSDefaultPolicy",
		"Statement": [{
			"Sid": "Legacy",
			"Effect": "Allow",
			"Principal": {"AWS": "*"},
			"NotAction": "sqs:DeleteQueue",
			"Condition": {"ArnEquals": {"aws:SourceArn": "` + refundARN + `"}}
		}]
	}`

	doc, err := Parse(existing)
	if err != nil {
		t.Fatal(err)
	}

	if err := doc.Grant(queueARN, ordersARN); err != nil {
		t.Fatal(err)
	}

	got := decode(t, doc.String())
	want := decode(t, `{
		"Version": "2012-10-17",
		"Id": "orders-api-orders/SQSDefaultPolicy",
		"Statement": [{
			"Sid": "Legacy",
			"Effect": "Allow",
			"Principal": {"AWS": "*"},
			"NotAction": "sqs:DeleteQueue",
			"Condition": {"ArnEquals": {"aws:SourceArn": "`+refundARN+`"}}
		}, {
			"Sid": "`+SendMessageStatement(queueARN, ordersARN).Sid+`",
			"Effect": "Allow",
			"Principal": {"AWS": "*"},
			"Action": "sqs:SendMessage",
			"Resource": "`+queueARN+`",
			"Condition": {"ArnEquals": {"aws:SourceArn": "`+ordersARN+`"}}
		}]
	}`)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged policy mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSingleStatement(t *testing.T) {
	assert := assert.New(t)

	doc, err := Parse(`{"Statement":{"Effect":"Allow"}}`)
	assert.NoError(err)
	assert.Equal(1, doc.Len())

	doc.Grant(queueARN, ordersARN)
	assert.Equal(2, doc.Len())
}

func TestParseEmptyAndInvalid(t *testing.T) {
	assert := assert.New(t)

	doc, err := Parse("  ")
	assert.NoError(err)
	assert.Equal(0, doc.Len())
	assert.JSONEq(`{"Version":"2012-10-17","Statement":[]}`, doc.String())

	_, err = Parse("{not json")
	assert.ErrorIs(err, ErrInvalidDocument)

	_, err = Parse(`{"Statement":"oops"}`)
	assert.ErrorIs(err, ErrInvalidDocument)
}

func TestSidIsStablePerTopic(t *testing.T) {
	a := SendMessageStatement(queueARN, ordersARN)
	b := SendMessageStatement(queueARN, ordersARN)
	c := SendMessageStatement(queueARN, refundARN)

	assert.Equal(t, a.Sid, b.Sid)
	assert.NotEqual(t, a.Sid, c.Sid)
}
