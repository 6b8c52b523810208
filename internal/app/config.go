package app

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Env       string
	HTTPAddr  string
	CORSAllow []string

	RoomCapacity  int           // max clients per room
	RoomTTL       time.Duration // idle TTL for empty rooms, 0 = never evict
	SweepInterval time.Duration
	HistoryLimit  int // 0 = unbounded
	HistoryBytes  int // encoded history frame cap, 0 = unbounded

	MaxFrameBytes int64
	SendBuffer    int
	WriteTimeout  time.Duration

	CreateRate int // room creations per IP per minute
}

func LoadConfig() Config {
	cfg := Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}
	cfg.RoomCapacity = getEnvInt("ROOM_CAPACITY", 10)
	cfg.RoomTTL = getEnvDuration("ROOM_TTL", 10*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", 500)
	cfg.MaxFrameBytes = int64(getEnvInt("MAX_FRAME_BYTES", 10<<20))
	// history must fit in one frame a default client can read
	cfg.HistoryBytes = getEnvInt("HISTORY_MAX_BYTES", int(cfg.MaxFrameBytes))
	cfg.SendBuffer = getEnvInt("SEND_BUFFER", 256)
	cfg.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.CreateRate = getEnvInt("CREATE_RATE", 30)
	// CORS allowlist
	cfg.CORSAllow = splitCSV(getEnv("CORS_ALLOW", "*"))
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvInt parses a non-negative int env var with a fallback
func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil && i >= 0 {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or "0" to disable
func getEnvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if v == "0" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
