package logger

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// instanceID: явное значение, затем POD_NAME, затем hostname с коротким суффиксом.
// Суффикс различает несколько процессов на одной машине.
func instanceID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if pod := os.Getenv("POD_NAME"); pod != "" {
		return pod
	}
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = "pid" + strconv.Itoa(os.Getpid())
	}
	return hn + "-" + uuid.NewString()[:8]
}

func baseAttrs(cfg Config, started time.Time) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("go", runtime.Version()),
		slog.Time("started_at", started),
	}
}
