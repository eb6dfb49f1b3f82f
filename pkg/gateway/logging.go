package gateway

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"

	"github.com/slidge-im/slidge-go/pkg/config"
)

// BuildLogger compiles cfg into a zerolog.Logger via go.mau.fi/zeroconfig,
// the same sink-configuration package the teacher's bridge runtime uses:
// a console writer plus, when FilePath is set, a rotating file writer
// backed by gopkg.in/natefinch/lumberjack.v2 under the hood. Exported so
// cmd/slidge-gateway can build the logger before calling New.
func BuildLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("gateway: parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	format := zeroconfig.LogFormatPretty
	if cfg.JSON {
		format = zeroconfig.LogFormatJSON
	}

	writers := []zeroconfig.WriterConfig{{Type: zeroconfig.WriterTypeStdout, Format: format}}
	if cfg.FilePath != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		writers = append(writers, zeroconfig.WriterConfig{
			Type:       zeroconfig.WriterTypeFile,
			Format:     zeroconfig.LogFormatJSON,
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}

	zcfg := zeroconfig.Config{MinLevel: &level, Writers: writers}
	logger, err := zcfg.Compile()
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("gateway: compile log config: %w", err)
	}
	return *logger, nil
}
