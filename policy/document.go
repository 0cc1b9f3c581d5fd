package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
)

const Version = "2012-10-17"

var ErrInvalidDocument = errors.New("invalid policy document")

// Document is a queue access policy. Statements and top-level fields are kept
// as raw JSON so that merging never rewrites what someone else put there.
type Document struct {
	fields     map[string]json.RawMessage
	statements []json.RawMessage
}

func NewDocument() *Document {
	version, _ := json.Marshal(Version)
	return &Document{
		fields: map[string]json.RawMessage{
			"Version": version,
		},
		statements: make([]json.RawMessage, 0),
	}
}

// Parse reads a policy attribute; an empty attribute yields an empty document.
func Parse(policy string) (*Document, error) {
	if len(bytes.TrimSpace([]byte(policy))) == 0 {
		return NewDocument(), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(policy), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	doc := &Document{
		fields:     fields,
		statements: make([]json.RawMessage, 0),
	}

	raw, ok := fields["Statement"]
	if !ok {
		return doc, nil
	}
	delete(fields, "Statement")

	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &doc.statements); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}

	case len(raw) > 0 && raw[0] == '{':
		doc.statements = append(doc.statements, raw)

	default:
		return nil, fmt.Errorf("%w: unexpected Statement", ErrInvalidDocument)
	}

	return doc, nil
}

type Statement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal any                          `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

// SendMessageStatement lets topicARN deliver into queueARN.
func SendMessageStatement(queueARN string, topicARN string) Statement {
	h := fnv.New32a()
	h.Write([]byte(topicARN))

	return Statement{
		Sid:       fmt.Sprintf("AllowTopic%08x", h.Sum32()),
		Effect:    "Allow",
		Principal: map[string]string{"AWS": "*"},
		Action:    "sqs:SendMessage",
		Resource:  queueARN,
		Condition: map[string]map[string]string{
			"ArnEquals": {
				"aws:SourceArn": topicARN,
			},
		},
	}
}

// Grant appends a statement for topicARN, keeping every existing statement.
func (doc *Document) Grant(queueARN string, topicARN string) error {
	raw, err := json.Marshal(SendMessageStatement(queueARN, topicARN))
	if err != nil {
		return err
	}

	doc.statements = append(doc.statements, raw)
	return nil
}

func (doc *Document) Len() int {
	return len(doc.statements)
}

func (doc *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(doc.fields)+1)
	for k, v := range doc.fields {
		out[k] = v
	}

	statements, err := json.Marshal(doc.statements)
	if err != nil {
		return nil, err
	}
	out["Statement"] = statements

	return json.Marshal(out)
}

func (doc *Document) String() string {
	bs, err := doc.MarshalJSON()
	if err != nil {
		return ""
	}

	return string(bs)
}

// Value decodes the document into plain maps and slices, the shape rego expects.
func (doc *Document) Value() (any, error) {
	bs, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(bs, &v); err != nil {
		return nil, err
	}

	return v, nil
}
