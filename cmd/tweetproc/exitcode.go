package main

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-tweetprocess/pkg/messagepipeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/timeline"
	"github.com/illmade-knight/go-tweetprocess/pkg/tweetstore"
)

const (
	exitOK              = 0
	exitFailure         = 1
	exitConnectivity    = 2
	exitTopology        = 3
	exitDeserialization = 4
	exitStore           = 5
	exitSourceAPI       = 6
	exitUsage           = 64
)

// usageError marks invalid flags, arguments or configuration.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitCode classifies err. A shutdown signal is a clean exit.
func exitCode(err error) int {
	var (
		usage        usageError
		deserialize  *messagepipeline.DeserializationError
		store        *tweetstore.StoreError
		api          *timeline.APIError
		topology     *messagepipeline.TopologyError
		connectivity *messagepipeline.ConnectivityError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	case errors.Is(err, context.Canceled):
		return exitOK
	case errors.As(err, &deserialize):
		return exitDeserialization
	case errors.As(err, &store):
		return exitStore
	case errors.As(err, &api):
		return exitSourceAPI
	case errors.As(err, &topology):
		return exitTopology
	case errors.As(err, &connectivity):
		return exitConnectivity
	default:
		return exitFailure
	}
}
