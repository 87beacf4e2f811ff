package models

import "time"

// WorkerClass identifies a supervised worker class. Destination paths
// start with the class name, and the supervisor keys its roster,
// pending table and spawn configuration by it.
type WorkerClass string

const (
	WorkerClassCrawl   WorkerClass = "CrawlWorker"
	WorkerClassDB      WorkerClass = "DBWorker"
	WorkerClassGateway WorkerClass = "BrokerGateway"
)

// IsValid checks if the WorkerClass is a known, valid class
func (w WorkerClass) IsValid() bool {
	switch w {
	case WorkerClassCrawl, WorkerClassDB, WorkerClassGateway:
		return true
	}
	return false
}

// String returns the string representation of the WorkerClass
func (w WorkerClass) String() string {
	return string(w)
}

// AllWorkerClasses returns a slice of all valid WorkerClass values
func AllWorkerClasses() []WorkerClass {
	return []WorkerClass{
		WorkerClassCrawl,
		WorkerClassDB,
		WorkerClassGateway,
	}
}

// WorkerClassConfig describes how the supervisor provisions one worker
// class: how many instances to spawn at boot, how far SERVER_BUSY
// rerouting may grow the class, resource hints, and the free-form
// per-class settings handed to each instance.
type WorkerClassConfig struct {
	Count int `toml:"count" json:"count"`
	// MaxCount caps busy-driven spawning. Zero means twice Count.
	MaxCount int     `toml:"max_count" json:"max_count"`
	CPU      float64 `toml:"cpu" json:"cpu"`
	// MemoryMB is a provisioning hint only; goroutine-backed workers
	// share the process heap.
	MemoryMB int                    `toml:"memory" json:"memory"`
	Config   map[string]interface{} `toml:"config" json:"config"`
}

// SpawnLimit resolves the effective instance cap for the class.
func (c WorkerClassConfig) SpawnLimit() int {
	if c.MaxCount > 0 {
		return c.MaxCount
	}
	n := c.Count
	if n < 1 {
		n = 1
	}
	return 2 * n
}

// Int reads an integer setting from the class config map, tolerating
// the numeric kinds TOML and JSON decoders produce.
func (c WorkerClassConfig) Int(key string, def int) int {
	v, ok := c.Config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Duration reads a duration setting ("30s", "5m") from the class config map.
func (c WorkerClassConfig) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.Config[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// String reads a string setting from the class config map.
func (c WorkerClassConfig) Str(key string, def string) string {
	if v, ok := c.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// WorkerHealth is the per-instance liveness record the supervisor
// refreshes on every healthy envelope.
type WorkerHealth struct {
	WorkerNameID  string    `json:"worker_name_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
}

// Stale reports whether the last heartbeat is older than the threshold.
func (h WorkerHealth) Stale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(h.LastHeartbeat) > threshold
}
