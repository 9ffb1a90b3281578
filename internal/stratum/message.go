package stratum

import (
	"encoding/json"
	"fmt"
)

// Request is an inbound Stratum JSON-RPC request. ID may be a number or a
// string per the wire protocol; it must be present and non-null for every
// method except the unsolicited notifications this core never receives.
type Request struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response is an outbound Stratum JSON-RPC response, always carrying the
// request's id back verbatim.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is an unsolicited server->client message; it carries no id.
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// StratumError is the three-tuple [code, message, traceback] error shape
// the wire protocol uses for rejected requests.
type StratumError struct {
	Code      int
	Message   string
	Traceback interface{}
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON renders the three-tuple shape required on the wire.
func (e *StratumError) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{e.Code, e.Message, e.Traceback})
}

// Error codes from spec.md §6.
const (
	ErrOther              = -1
	ErrOtherAlt           = 20
	ErrJobNotFound        = 21
	ErrDuplicateShare     = 22
	ErrLowDifficulty      = 23
	ErrUnauthorizedWorker = 24
	ErrNotSubscribed      = 25
)

func NewStratumError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// ErrMissingRequestID is raised when a request arrives with a null/absent id.
func ErrMissingRequestID() *StratumError {
	return NewStratumError(ErrOther, "missing request id")
}

func ErrUnsupportedRequest() *StratumError {
	return NewStratumError(ErrOtherAlt, "Unsupported request")
}

func ErrUnauthorized() *StratumError {
	return NewStratumError(ErrUnauthorizedWorker, "Unauthorized worker")
}

func ErrNotSubscribedYet() *StratumError {
	return NewStratumError(ErrNotSubscribed, "Not subscribed")
}

// ParseRequest parses a single newline-framed JSON-RPC line.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("parse stratum request: %w", err)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("parse stratum request: method field is required")
	}
	return &req, nil
}

// HasID reports whether the request carries a non-null id, per the
// dispatch-time validation spec.md §4.D requires of every method.
func (r *Request) HasID() bool {
	return r.ID != nil
}

func NewResult(id interface{}, result interface{}) *Response {
	return &Response{ID: id, Result: result, Error: nil}
}

func NewError(id interface{}, err *StratumError) *Response {
	return &Response{ID: id, Result: nil, Error: err}
}

// NewSubscribeResult builds the two-deep nested subscription array spec.md
// §4.D.1 / §6 requires.
func NewSubscribeResult(id interface{}, connID, extranonce1 string, extranonce2Size int) *Response {
	return NewResult(id, []interface{}{
		[][]string{
			{"mining.set_difficulty", connID},
			{"mining.notify", connID},
		},
		extranonce1,
		extranonce2Size,
	})
}

// NewNotifyNotification forwards the opaque job-parameter tuple verbatim,
// as spec.md §3 requires ("the core treats it as a black-box JSON array").
func NewNotifyNotification(jobParams []interface{}) *Notification {
	return &Notification{
		ID:     nil,
		Method: "mining.notify",
		Params: jobParams,
	}
}

func NewDifficultyNotification(difficulty float64) *Notification {
	return &Notification{
		ID:     nil,
		Method: "mining.set_difficulty",
		Params: []interface{}{difficulty},
	}
}

func (n *Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
