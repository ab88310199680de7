// Package logging builds the structured logger shared by every component.
package logging

import (
	"fmt"
	"os"

	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared zap logger. On GCP (ON_GCP=true) it emits
// Stackdriver-compatible JSON; elsewhere it writes colored console lines.
func New(production bool) (*zap.SugaredLogger, error) {
	var config zap.Config

	if production {
		config = zapdriver.NewProductionConfig()
	} else {
		config = zapdriver.NewDevelopmentConfig()
	}

	if os.Getenv("ON_GCP") != "true" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything. Used by tests and as a
// fallback when a component is constructed without one.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
