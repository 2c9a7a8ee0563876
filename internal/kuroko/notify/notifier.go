// Package notify posts lifecycle events to operators.
//
// When a Matrix room is configured (KUROKO_MATRIX_ROOM), kuroko posts a
// short notice for events worth a human's attention: hosts stopped by the
// heartbeat watchdog or the idle detector, orphaned deployments and
// failures. Every notice carries the operation's trace id so it can be
// matched against the lifecycle journal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kuroko/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindHostCreated      Kind = "host.created"
	KindHostStarted      Kind = "host.started"
	KindHostStopped      Kind = "host.stopped"
	KindHostPaused       Kind = "host.paused"
	KindHostResumed      Kind = "host.resumed"
	KindHostDestroyed    Kind = "host.destroyed"
	KindHostFailed       Kind = "host.failed"
	KindHeartbeatStop    Kind = "host.heartbeat_stop"
	KindIdleStop         Kind = "host.idle_stop"
	KindIdlePause        Kind = "host.idle_pause"
	KindAgentsExited     Kind = "host.agents_exited"
	KindSnapshotCreated  Kind = "snapshot.created"
	KindOrphanDeployment Kind = "deployment.orphan"
)

// Event is what a notifier formats and sends.
type Event struct {
	Kind Kind
	// HostID and HostName identify the affected host.
	HostID   string
	HostName string
	Message  string
	// TraceID defaults to the one carried by the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends lifecycle notifications. Implementations must not block
// the caller for long; send failures are logged, not returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// Log writes every event to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, evt Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	logger.Info("notify: "+string(evt.Kind), "host_id", evt.HostID, "host", evt.HostName,
		"message", evt.Message, "trace_id", tid)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	kinds map[Kind]bool
}

// NewMatrixNotifier posts to roomID via sender. When kinds is non-empty
// only those kinds are sent.
func NewMatrixNotifier(sender Sender, roomID string, kinds ...Kind) *MatrixNotifier {
	n := &MatrixNotifier{sender: sender, roomID: roomID}
	if len(kinds) > 0 {
		n.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			n.kinds[k] = true
		}
	}
	return n
}

// Notify formats evt as a notice and posts it.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if n.kinds != nil && !n.kinds[evt.Kind] {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	msg := fmt.Sprintf("%s [%s] %s", kindIcon(evt.Kind), evt.Kind, evt.Message)
	if evt.HostName != "" || evt.HostID != "" {
		msg = fmt.Sprintf("%s %s (%s): %s", kindIcon(evt.Kind), evt.HostName, evt.HostID, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	msg = fmt.Sprintf("%s\n  at: %s", msg, evt.Timestamp.UTC().Format(time.RFC3339))

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := n.sender.SendNotice(sendCtx, n.roomID, msg); err != nil {
		slog.Warn("notify: failed to send room notice", "room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("notify: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Important lists the kinds worth a room notice by default.
var Important = []Kind{KindHeartbeatStop, KindIdleStop, KindIdlePause, KindAgentsExited, KindOrphanDeployment, KindHostFailed}

func kindIcon(k Kind) string {
	switch k {
	case KindHostCreated:
		return "🟢"
	case KindHostStarted, KindHostResumed:
		return "▶️"
	case KindHostStopped, KindIdleStop, KindAgentsExited:
		return "⏹️"
	case KindHostPaused, KindIdlePause:
		return "⏸️"
	case KindHostDestroyed:
		return "🗑️"
	case KindHeartbeatStop:
		return "💔"
	case KindSnapshotCreated:
		return "📸"
	case KindOrphanDeployment:
		return "⚠️"
	case KindHostFailed:
		return "🚨"
	default:
		return "ℹ️"
	}
}
