package security

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// AuthLog appends rejected access attempts to a plain text file in a format
// fail2ban filters can match.
type AuthLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuthLog returns a log writing to path. An empty path disables it.
func NewAuthLog(path string) *AuthLog {
	return &AuthLog{path: path, now: time.Now}
}

func (a *AuthLog) LogAuthFail(message string) error {
	if a == nil || a.path == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	timestamp := a.now().Format(time.RFC3339)
	entry := fmt.Sprintf("[%s] [AUTH_FAIL] %s\n", timestamp, message)
	file, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(entry)
	return err
}
