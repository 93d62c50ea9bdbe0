// Package action issues guest lifecycle commands. Commands are fire and
// forget: the returned task id identifies the remote task, whose completion
// is observed by a later poll.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// Action is a guest lifecycle command.
type Action string

const (
	Start    Action = "start"
	Stop     Action = "stop"
	Shutdown Action = "shutdown"
	Reboot   Action = "reboot"
	Reset    Action = "reset"
	Suspend  Action = "suspend"
	Resume   Action = "resume"
)

// All lists every action in display order.
var All = []Action{Start, Stop, Shutdown, Reboot, Reset, Suspend, Resume}

// support is the per-kind action table. Containers cannot be reset.
var support = map[model.GuestKind]map[Action]bool{
	model.KindVM: {
		Start: true, Stop: true, Shutdown: true, Reboot: true,
		Reset: true, Suspend: true, Resume: true,
	},
	model.KindContainer: {
		Start: true, Stop: true, Shutdown: true, Reboot: true,
		Suspend: true, Resume: true,
	},
}

// Parse returns the Action named s.
func Parse(s string) (Action, bool) {
	for _, a := range All {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Supports reports whether kind accepts action.
func Supports(kind model.GuestKind, action Action) bool {
	return support[kind][action]
}

// AvailableActions returns the supported actions that make sense for a
// guest in the given status: start when it is down, resume when it is
// suspended or paused, everything else while it runs.
func AvailableActions(status model.Status, kind model.GuestKind) []Action {
	var candidates []Action
	switch status {
	case model.StatusStopped, model.StatusShutdown:
		candidates = []Action{Start}
	case model.StatusSuspended, model.StatusPaused:
		candidates = []Action{Resume, Stop}
	case model.StatusRunning:
		candidates = []Action{Stop, Shutdown, Reboot, Reset, Suspend}
	default:
		return nil
	}

	out := make([]Action, 0, len(candidates))
	for _, a := range candidates {
		if Supports(kind, a) {
			out = append(out, a)
		}
	}
	return out
}

// Poster is the write side of the remote API. transport.Client implements it.
type Poster interface {
	Post(ctx context.Context, path string, form url.Values) (json.RawMessage, error)
}

// Dispatcher sends lifecycle commands. It keeps no state and never touches
// snapshots.
type Dispatcher struct {
	api            Poster
	metrics        *observability.Metrics
	errorCollector *agenterrors.ErrorCollector
}

// NewDispatcher creates a Dispatcher. metrics and errCollector may be nil.
func NewDispatcher(api Poster, metrics *observability.Metrics, errCollector *agenterrors.ErrorCollector) *Dispatcher {
	return &Dispatcher{
		api:            api,
		metrics:        metrics,
		errorCollector: errCollector,
	}
}

// Invoke sends action to the guest vmid of the given kind on hostID and
// returns the remote task id. Unsupported combinations fail with
// UnsupportedActionError without any network call.
func (d *Dispatcher) Invoke(ctx context.Context, kind model.GuestKind, hostID string, vmid int, action Action) (string, error) {
	if !kind.Valid() || !Supports(kind, action) {
		d.record(kind, action, "unsupported")
		return "", &agenterrors.UnsupportedActionError{Kind: string(kind), Action: string(action)}
	}
	if hostID == "" || vmid <= 0 {
		d.record(kind, action, "invalid")
		return "", fmt.Errorf("action: invalid target host=%q vmid=%d", hostID, vmid)
	}

	path := Path(kind, hostID, vmid, action)
	data, err := d.api.Post(ctx, path, nil)
	if err != nil {
		d.record(kind, action, "error")
		d.report(kind, hostID, vmid, action, err)
		return "", fmt.Errorf("action %s %s/%d: %w", action, hostID, vmid, err)
	}

	taskID := gjson.ParseBytes(data).String()
	d.record(kind, action, "ok")
	slog.Info("action dispatched",
		"kind", kind,
		"host", hostID,
		"vmid", vmid,
		"action", action,
		"task", taskID,
	)
	return taskID, nil
}

// Path returns the lifecycle endpoint for a guest action.
func Path(kind model.GuestKind, hostID string, vmid int, action Action) string {
	return "/nodes/" + url.PathEscape(hostID) + "/" + kind.APIType() + "/" +
		strconv.Itoa(vmid) + "/status/" + string(action)
}

func (d *Dispatcher) record(kind model.GuestKind, action Action, result string) {
	if d.metrics != nil {
		d.metrics.ActionsTotal.WithLabelValues(string(kind), string(action), result).Inc()
	}
}

func (d *Dispatcher) report(kind model.GuestKind, hostID string, vmid int, action Action, err error) {
	if d.errorCollector == nil {
		return
	}
	d.errorCollector.Report(agenterrors.AgentError{
		Code:      agenterrors.ErrActionFailed,
		Message:   fmt.Sprintf("%s on %s %s/%d failed: %v", action, kind, hostID, vmid, err),
		Component: "action",
		Timestamp: time.Now().UnixMilli(),
		Err:       err,
	})
}
