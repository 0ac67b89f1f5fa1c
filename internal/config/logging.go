package config

import (
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/logx"
)

// SetupLogging builds the root logger. Both hclog and the stdlib logger
// write through the same filtering writer so library noise is de-duplicated too.
func SetupLogging() hclog.Logger {
	var out io.Writer = os.Stdout
	if p := LogFilePath(); p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("WARN opening LOG_FILE=%q: %v", p, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	filter := logx.New(out, LogDedupWindow(), LogAllowRegex(), LogDenyRegex())

	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(filter)

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "vod",
		Level:  hclog.LevelFromString(LogLevel()),
		Output: filter,
	})
	logger.Info("logging configured", "dedup", LogDedupWindow(), "allow", LogAllowRegex(), "deny", LogDenyRegex())
	return logger
}
