package central

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blelink/util"
)

// LinkEvent is one line of the connection lifecycle log
type LinkEvent struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // scan_started, connect_started, mtu_changed, ...
	Address   string            `json:"address,omitempty"`
	State     string            `json:"state"`
	SessionID string            `json:"session_id,omitempty"`
	MTU       int               `json:"mtu,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// LifecycleLog appends link lifecycle events as JSON lines
type LifecycleLog struct {
	logPath string
	mutex   sync.Mutex
	enabled bool
}

// NewLifecycleLog creates a log under the data directory. A disabled log
// accepts and drops every event.
func NewLifecycleLog(enabled bool) *LifecycleLog {
	if !enabled {
		return &LifecycleLog{enabled: false}
	}
	return &LifecycleLog{
		logPath: filepath.Join(util.GetDataDir(), "central_lifecycle.jsonl"),
		enabled: true,
	}
}

// Path returns the file events are appended to
func (log *LifecycleLog) Path() string {
	return log.logPath
}

// Log writes one event to the JSONL file
func (log *LifecycleLog) Log(event LinkEvent) {
	if log == nil || !log.enabled {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	log.mutex.Lock()
	defer log.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(log.logPath), 0755); err != nil {
		return
	}

	f, err := os.OpenFile(log.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	_ = json.NewEncoder(f).Encode(event)
}
