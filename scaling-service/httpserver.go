// Copyright (c) 2022-2023 Whist Technologies, Inc.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/control-plane/httputils"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	algos "github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
	"golang.org/x/time/rate"
)

// mandelboxAssignHandler handles a request to assign a user to a mandelbox. It
// parses the request, sends it to the scaling algorithm of the requested
// region through the event channel and blocks until the algorithm returns an
// assigned instance, or a reason why no instance could be assigned.
func mandelboxAssignHandler(w http.ResponseWriter, r *http.Request, events chan<- algos.ScalingEvent) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.MandelboxAssignRequest
	if _, err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse mandelbox assign request: %s", err)
		return
	}

	// Route to the algorithm of the first requested region. The assign
	// action validates the full region list against the enabled regions.
	var requestedRegion string
	if len(reqdata.Regions) > 0 {
		requestedRegion = reqdata.Regions[0]
	}

	events <- algos.ScalingEvent{
		ID:     uuid.NewString(),
		Type:   algos.MandelboxAssignEvent,
		Data:   &reqdata,
		Region: requestedRegion,
	}
	res := <-reqdata.ResultChan

	sendAssignResult(w, res)
}

// sendAssignResult writes the result of an assign request. Successful
// assigns return a 202 with the instance IP and the mandelbox id, expected
// failures (no capacity, version mismatch, user already active) return a 503
// with a "None" placeholder so clients can distinguish them from transport
// errors.
func sendAssignResult(w http.ResponseWriter, res httputils.RequestResult) {
	assignResult, ok := res.Result.(httputils.MandelboxAssignRequestResult)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var (
		buf []byte
		err error
	)

	w.Header().Set("Content-Type", "application/json")

	if res.Err != nil {
		buf, err = json.Marshal(struct {
			IP          string `json:"ip"`
			MandelboxID string `json:"mandelbox_id"`
			Error       string `json:"error"`
		}{"None", "None", assignResult.Error})
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		buf, err = json.Marshal(assignResult)
		w.WriteHeader(http.StatusAccepted)
	}

	if err != nil {
		logger.Errorf("error marshalling assign response body: %s", err)
		return
	}
	_, _ = w.Write(buf)
}

// regionsHandler returns the list of regions where the scaling service is
// currently launching instances, in the order they were enabled.
func regionsHandler(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		return
	}

	buf, err := json.Marshal(struct {
		Regions []string `json:"regions"`
	}{config.GetEnabledRegions()})
	if err != nil {
		logger.Errorf("error marshalling regions response body: %s", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// instanceRegisterHandler handles the first contact of a freshly booted
// instance. It records the IP address and capacity the instance reported and
// hands back the auth token the instance will present on every heartbeat.
// Only instances that the scaling service launched itself, and that have not
// registered before, are accepted.
func instanceRegisterHandler(w http.ResponseWriter, r *http.Request, db dbdriver.WhistDBClient) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.InstanceRegisterRequest
	if _, err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse instance register request: %s", err)
		return
	}

	authToken := utils.RandHex(32)
	rows, err := db.RegisterInstance(r.Context(), reqdata.InstanceName, reqdata.IP, reqdata.Capacity, authToken)
	if err != nil {
		logger.Errorf("failed to register instance %s: %s", reqdata.InstanceName, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if rows == 0 {
		logger.Warningf("instance %s tried to register but is not waiting for connection", reqdata.InstanceName)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	httputils.RequestResult{
		Result: httputils.InstanceRegisterRequestResult{
			AuthToken: authToken,
		},
	}.Send(w)
}

// instanceHeartbeatHandler handles the periodic heartbeat of registered
// instances. Each heartbeat is a single short write that refreshes the
// instance's last heartbeat timestamp and returns its current status, so the
// instance learns when it should start draining. An instance that began its
// own shutdown reports a DYING status, which marks it as draining on the
// database and schedules the termination check.
func instanceHeartbeatHandler(w http.ResponseWriter, r *http.Request, db dbdriver.WhistDBClient, events chan<- algos.ScalingEvent) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.InstanceHeartbeatRequest
	if _, err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("failed to parse instance heartbeat request: %s", err)
		return
	}

	status, err := db.UpdateInstanceHeartbeat(r.Context(), reqdata.InstanceName, reqdata.AuthToken)
	if err != nil {
		if errors.Is(err, dbdriver.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		logger.Errorf("failed to update heartbeat of instance %s: %s", reqdata.InstanceName, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if reqdata.Status == "DYING" && status != dbdriver.InstanceStatusDraining {
		status, err = drainDyingInstance(r.Context(), db, reqdata.InstanceName, events)
		if err != nil {
			logger.Errorf("failed to drain dying instance %s: %s", reqdata.InstanceName, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	httputils.RequestResult{
		Result: httputils.InstanceHeartbeatRequestResult{
			Status: string(status),
		},
	}.Send(w)
}

// drainDyingInstance marks an instance that reported a dying status as
// draining and hands it to its region's scaling algorithm, which terminates
// it once its mandelboxes are gone and compensates the lost capacity.
func drainDyingInstance(ctx context.Context, db dbdriver.WhistDBClient, instanceID string, events chan<- algos.ScalingEvent) (dbdriver.InstanceStatus, error) {
	if _, err := db.UpdateInstanceStatus(ctx, instanceID, dbdriver.InstanceStatusDraining); err != nil {
		return "", utils.MakeError("failed to mark instance %s as draining: %s", instanceID, err)
	}

	instance, err := db.QueryInstance(ctx, instanceID)
	if err != nil {
		return "", utils.MakeError("failed to query instance %s: %s", instanceID, err)
	}

	events <- algos.ScalingEvent{
		ID:     uuid.NewString(),
		Type:   algos.InstanceDrainEvent,
		Data:   instance,
		Region: instance.Region,
	}

	return instance.Status, nil
}

// throttleMiddleware will limit requests on the endpoint using the provided rate limiter.
// It uses a token bucket algorithm, so that every interval of time the "bucket" will refill
// and continue to serve tokens up to a maximum defined by the burst capacity. In case the
// limit is exceeded, return a http 429 error (too many requests).
func throttleMiddleware(limiter *rate.Limiter, f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(rw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		f(rw, r)
	}
}

// StartHTTPServer starts the HTTP server that receives assign requests from
// the frontend and registration and heartbeat requests from the instances.
// The server shuts down gracefully once the global context gets cancelled.
func StartHTTPServer(globalCtx context.Context, goroutineTracker *sync.WaitGroup, events chan algos.ScalingEvent, db dbdriver.WhistDBClient) {
	logger.Infof("Starting HTTP server...")

	// Start a new rate limiter. This will limit requests on an endpoint
	// to every `interval` with a burst of up to `burst` requests. This
	// will help mitigate Denial of Service attacks, or a client app
	// spamming too many requests.
	interval := 1 * time.Second
	burst := 10
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	assignHandler := httputils.EnableCORS(throttleMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) {
		mandelboxAssignHandler(w, r, events)
	}))

	// Create a custom HTTP Request Multiplexer
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/mandelbox/assign", assignHandler)
	mux.HandleFunc("/regions", httputils.EnableCORS(regionsHandler))
	mux.HandleFunc("/instance/register", func(w http.ResponseWriter, r *http.Request) {
		instanceRegisterHandler(w, r, db)
	})
	mux.HandleFunc("/instance/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		instanceHeartbeatHandler(w, r, db, events)
	})

	// Add timeouts to help mitigate potential rogue clients
	// or DDOS attacks.
	srv := &http.Server{
		Addr:         "0.0.0.0:8082",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      mux,
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		<-globalCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("error shutting down HTTP server: %s", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err)
		}
	}()
}
