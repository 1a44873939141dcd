// Package toast forwards notifications to the operating system's native
// alerting (notify-send, osascript, PowerShell toasts). It is one delivery
// sink behind the event stream; losing a toast is acceptable, the record
// itself is already durable.
package toast

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"

	"safetrack/pkg/database"
)

// Runner executes one external command. Injected so tests never shell out.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// urgency maps notification categories onto desktop urgency levels.
// SOS and Alert interrupt; everything else stays quiet.
func urgency(category string) string {
	switch category {
	case database.CategorySOS, database.CategoryAlert:
		return "critical"
	default:
		return "normal"
	}
}

// command builds the OS-specific invocation for one notification.
// Unsupported platforms return ok=false and the sink stays silent.
func command(goos string, n database.Notification) (name string, args []string, ok bool) {
	switch goos {
	case "linux":
		return "notify-send", []string{"-u", urgency(n.Category), n.Title, n.Message}, true
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", n.Message, n.Title)
		if urgency(n.Category) == "critical" {
			script = fmt.Sprintf("display alert %q message %q as critical", n.Title, n.Message)
		}
		return "osascript", []string{"-e", script}, true
	case "windows":
		script := fmt.Sprintf("New-BurntToastNotification -Text %q, %q", n.Title, n.Message)
		return "powershell", []string{"-NoProfile", "-Command", script}, true
	default:
		return "", nil, false
	}
}

// Sink consumes a subscription channel and raises one toast per event.
type Sink struct {
	Run  Runner
	GOOS string
	Logf func(string, ...any)
}

// NewSink builds a sink for the current platform.
func NewSink(logf func(string, ...any)) *Sink {
	if logf == nil {
		logf = log.Printf
	}
	return &Sink{Run: execRunner, GOOS: runtime.GOOS, Logf: logf}
}

// Start drains the channel until it closes or ctx ends. Toast failures are
// logged and skipped; this sink must never push back on the pipeline.
func (s *Sink) Start(ctx context.Context, events <-chan database.Notification) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-events:
				if !ok {
					return
				}
				name, args, supported := command(s.GOOS, n)
				if !supported {
					continue
				}
				if err := s.Run(ctx, name, args...); err != nil {
					s.Logf("toast failed for notification %d: %v", n.ID, err)
				}
			}
		}
	}()
}
