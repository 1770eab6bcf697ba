package execution

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// KillSwitch is a filesystem sentinel; its mere presence halts execution.
type KillSwitch struct {
	path string
}

// NewKillSwitch wraps path. An empty path disables the switch entirely.
func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{path: path}
}

func (k *KillSwitch) Path() string { return k.path }

// Active reports whether the sentinel file exists.
func (k *KillSwitch) Active() bool {
	if k == nil || k.path == "" {
		return false
	}
	_, err := os.Stat(k.path)
	return err == nil
}

// Reason returns the sentinel content, if any.
func (k *KillSwitch) Reason() string {
	if k == nil || k.path == "" {
		return ""
	}
	data, err := os.ReadFile(k.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Engage creates the sentinel with reason. Engaging twice keeps the first reason.
func (k *KillSwitch) Engage(reason string, now time.Time) error {
	if k == nil || k.path == "" {
		return errors.New("kill switch path not configured")
	}
	if k.Active() {
		return nil
	}
	body := fmt.Sprintf("%s %s\n", now.UTC().Format(time.RFC3339), reason)
	return WriteFileAtomic(k.path, []byte(body))
}

// Disengage removes the sentinel.
func (k *KillSwitch) Disengage() error {
	if k == nil || k.path == "" {
		return errors.New("kill switch path not configured")
	}
	if err := os.Remove(k.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
