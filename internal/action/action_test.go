package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

type fakePoster struct {
	paths []string
	resp  string
	err   error
}

func (f *fakePoster) Post(_ context.Context, path string, _ url.Values) (json.RawMessage, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.resp), nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSupports(t *testing.T) {
	for _, a := range All {
		assert.True(t, Supports(model.KindVM, a), "vm should support %s", a)
	}
	for _, a := range All {
		assert.Equal(t, a != Reset, Supports(model.KindContainer, a), "container %s", a)
	}
	assert.False(t, Supports(model.GuestKind("node"), Start))
}

func TestParse(t *testing.T) {
	a, ok := Parse("shutdown")
	assert.True(t, ok)
	assert.Equal(t, Shutdown, a)

	_, ok = Parse("hibernate")
	assert.False(t, ok)
}

func TestAvailableActions(t *testing.T) {
	tests := []struct {
		name   string
		status model.Status
		kind   model.GuestKind
		want   []Action
	}{
		{"stopped vm", model.StatusStopped, model.KindVM, []Action{Start}},
		{"shutdown container", model.StatusShutdown, model.KindContainer, []Action{Start}},
		{"suspended vm", model.StatusSuspended, model.KindVM, []Action{Resume, Stop}},
		{"paused container", model.StatusPaused, model.KindContainer, []Action{Resume, Stop}},
		{"running vm", model.StatusRunning, model.KindVM, []Action{Stop, Shutdown, Reboot, Reset, Suspend}},
		{"running container", model.StatusRunning, model.KindContainer, []Action{Stop, Shutdown, Reboot, Suspend}},
		{"unknown", model.StatusUnknown, model.KindVM, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AvailableActions(tt.status, tt.kind))
		})
	}
}

func TestInvoke_VM(t *testing.T) {
	api := &fakePoster{resp: `"UPID:pve-01:000A1B2C:0F00:65F0:qmstart:101:root@pam:"`}
	metrics := observability.NewMetrics()
	d := NewDispatcher(api, metrics, nil)

	taskID, err := d.Invoke(context.Background(), model.KindVM, "pve-01", 101, Start)
	require.NoError(t, err)

	assert.Equal(t, "UPID:pve-01:000A1B2C:0F00:65F0:qmstart:101:root@pam:", taskID)
	assert.Equal(t, []string{"/nodes/pve-01/qemu/101/status/start"}, api.paths)
	assert.Equal(t, 1.0, counterValue(t, metrics.ActionsTotal.WithLabelValues("vm", "start", "ok")))
}

func TestInvoke_Container(t *testing.T) {
	api := &fakePoster{resp: `"UPID:x"`}
	d := NewDispatcher(api, nil, nil)

	_, err := d.Invoke(context.Background(), model.KindContainer, "pve-02", 200, Shutdown)
	require.NoError(t, err)
	assert.Equal(t, []string{"/nodes/pve-02/lxc/200/status/shutdown"}, api.paths)
}

func TestInvoke_UnsupportedMakesNoCall(t *testing.T) {
	api := &fakePoster{}
	metrics := observability.NewMetrics()
	d := NewDispatcher(api, metrics, nil)

	_, err := d.Invoke(context.Background(), model.KindContainer, "pve-01", 200, Reset)

	var unsupported *agenterrors.UnsupportedActionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "container", unsupported.Kind)
	assert.Equal(t, "reset", unsupported.Action)
	assert.Empty(t, api.paths)
	assert.Equal(t, 1.0, counterValue(t, metrics.ActionsTotal.WithLabelValues("container", "reset", "unsupported")))

	_, err = d.Invoke(context.Background(), model.KindVM, "pve-01", 100, Action("hibernate"))
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, api.paths)
}

func TestInvoke_InvalidTarget(t *testing.T) {
	api := &fakePoster{}
	d := NewDispatcher(api, nil, nil)

	_, err := d.Invoke(context.Background(), model.KindVM, "", 100, Start)
	require.Error(t, err)
	_, err = d.Invoke(context.Background(), model.KindVM, "pve-01", 0, Start)
	require.Error(t, err)
	assert.Empty(t, api.paths)
}

func TestInvoke_APIErrorReported(t *testing.T) {
	apiErr := &agenterrors.APIError{Method: "POST", Path: "/nodes/pve-01/qemu/101/status/stop", StatusCode: 500, Body: "VM 101 not running"}
	api := &fakePoster{err: apiErr}
	ec := agenterrors.NewErrorCollector(agenterrors.RealClock{})
	d := NewDispatcher(api, nil, ec)

	_, err := d.Invoke(context.Background(), model.KindVM, "pve-01", 101, Stop)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apiErr))
	assert.Equal(t, []string{"ACTION_FAILED"}, ec.GetActiveErrorCodes())
}

func TestPath_EscapesHost(t *testing.T) {
	assert.Equal(t, "/nodes/pve%2F1/qemu/5/status/reboot", Path(model.KindVM, "pve/1", 5, Reboot))
}
