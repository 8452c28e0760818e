// Package logging constructs the worker's logr.Logger backed by zap.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New returns a production logr.Logger. When development is true the logger
// uses zap's console encoder with debug level enabled.
func New(development bool) (logr.Logger, error) {
	var (
		z   *zap.Logger
		err error
	)
	if development {
		z, err = zap.NewDevelopment()
	} else {
		z, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}
