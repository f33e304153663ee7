// Package servicelog builds the service's zap logger, routing production
// output through a size-capped lumberjack sink when a log file is
// configured.
package servicelog

import (
	"net/url"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error { return nil }

var registerOnce sync.Once

// New builds the root logger. With debug set, a development console logger
// on stderr; otherwise production JSON, rotated through lumberjack when
// logFile is non-empty.
func New(logFile string, debug bool) (*zap.Logger, error) {
	registerOnce.Do(func() {
		_ = zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
			return lumberjackSink{
				Logger: &lumberjack.Logger{
					Filename:   u.Path,
					MaxSize:    50, // MB
					MaxBackups: 5,
				},
			}, nil
		})
	})

	if debug {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	if logFile != "" {
		config.OutputPaths = []string{"lumberjack://" + logFile}
	}
	return config.Build()
}
