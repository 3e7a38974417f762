package httputils // import "github.com/whisthq/whist/backend/control-plane/httputils"

import (
	mandelboxtypes "github.com/whisthq/whist/backend/control-plane/types"
)

// Request types

// Mandelbox assign request
type MandelboxAssignRequest struct {
	Regions    []string              `json:"regions"`
	CommitHash string                `json:"client_commit_hash"`
	UserEmail  string                `json:"user_email"`
	Version    string                `json:"version"`
	SessionID  int64                 `json:"session_id"`
	UserID     mandelboxtypes.UserID `json:"user_id"` // The userID is verified by the authentication layer in front of this service
	ResultChan chan RequestResult    `json:"-"`       // Channel to pass the request result between goroutines
}

type MandelboxAssignRequestResult struct {
	IP          string                     `json:"ip"`
	MandelboxID mandelboxtypes.MandelboxID `json:"mandelbox_id"`
	Error       string                     `json:"error"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *MandelboxAssignRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *MandelboxAssignRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// InstanceRegisterRequest defines the `instance/register` endpoint, called
// by a freshly booted instance to report its IP and capacity and receive
// the auth token it will use for heartbeats.
type InstanceRegisterRequest struct {
	InstanceName string             `json:"instance_name"`
	IP           string             `json:"ip"`
	Capacity     int64              `json:"capacity"`
	ResultChan   chan RequestResult `json:"-"`
}

// InstanceRegisterRequestResult defines the data returned by the
// `instance/register` endpoint.
type InstanceRegisterRequestResult struct {
	AuthToken string `json:"auth_token"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *InstanceRegisterRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *InstanceRegisterRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// InstanceHeartbeatRequest defines the `instance/heartbeat` endpoint, called
// periodically by registered instances. An instance that has started its own
// shutdown reports a DYING status so the scaling service marks it as draining.
type InstanceHeartbeatRequest struct {
	InstanceName string             `json:"instance_name"`
	AuthToken    string             `json:"auth_token"`
	Status       string             `json:"status,omitempty"`
	ResultChan   chan RequestResult `json:"-"`
}

// InstanceHeartbeatRequestResult defines the data returned by the
// `instance/heartbeat` endpoint. The status tells the instance whether it
// should keep serving or start draining.
type InstanceHeartbeatRequestResult struct {
	Status string `json:"status"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *InstanceHeartbeatRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *InstanceHeartbeatRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}
