package http

import (
	"encoding/json"
	"errors"
	"time"
)

type ResultStatus string

const (
	SUCCESS ResultStatus = "success"
	FAILURE ResultStatus = "failure"
)

func SuccessResult(msg string) *Result {
	return &Result{
		Status: SUCCESS,
		Msg:    msg,
		Time:   time.Now(),
	}
}

func FailureResult(err error) *Result {
	return &Result{
		Status: FAILURE,
		Msg:    err.Error(),
		Time:   time.Now(),
	}
}

// Result is the response envelope of every JSON route. Data is encoded on
// the way out and kept raw in Raw on the way in.
type Result struct {
	Status ResultStatus
	Msg    string
	Data   any
	Raw    json.RawMessage
	Time   time.Time
}

type result struct {
	Status ResultStatus    `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data,omitempty"`
	Time   time.Time       `json:"time"`
}

func (r *Result) Error() error {
	if r.Status == SUCCESS {
		return nil
	}

	return errors.New(r.Msg)
}

func (r *Result) MarshalJSON() ([]byte, error) {
	output := result{
		Status: r.Status,
		Msg:    r.Msg,
		Time:   r.Time,
	}

	if r.Data != nil {
		bs, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}

		output.Data = bs
	}

	return json.Marshal(&output)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var input result
	if err := json.Unmarshal(data, &input); err != nil {
		return err
	}

	r.Status = input.Status
	r.Msg = input.Msg
	r.Raw = input.Data
	r.Time = input.Time

	return nil
}
