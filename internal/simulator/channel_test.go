package simulator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/meshworks/fleet-tls/internal/remoteexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitAndWait(t *testing.T, c *CommandChannel, address string, payload remoteexec.Payload) remoteexec.RemoteCommand {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := c.Submit(address, raw)
	require.NoError(t, err)

	var cmd remoteexec.RemoteCommand
	require.Eventually(t, func() bool {
		var ok bool
		cmd, ok = c.Status(id)
		return ok && cmd.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return cmd
}

func TestInstallThenRestartThenHealth(t *testing.T) {
	c := NewCommandChannel(0, nil)

	install := submitAndWait(t, c, "10.0.1.11", remoteexec.Payload{
		Action:  remoteexec.ActionInstall,
		Service: "backbone-server",
		Files: []remoteexec.FileSpec{
			{Path: "/etc/backbone/tls/node-1-key.pem", Mode: 0o600, Content: []byte("key-pem")},
			{Path: "/etc/backbone/tls/node-1-cert.pem", Mode: 0o644, Content: []byte("cert-pem")},
		},
	})
	assert.Equal(t, remoteexec.StatusSuccess, install.Status)

	files := c.NodeFiles("10.0.1.11")
	require.Len(t, files, 2)
	assert.Equal(t, []byte("key-pem"), files["/etc/backbone/tls/node-1-key.pem"])

	restart := submitAndWait(t, c, "10.0.1.11", remoteexec.Payload{
		Action:  remoteexec.ActionRestart,
		Service: "backbone-server",
	})
	assert.Equal(t, remoteexec.StatusSuccess, restart.Status)

	health := submitAndWait(t, c, "10.0.1.11", remoteexec.Payload{
		Action:  remoteexec.ActionHealth,
		Service: "backbone-server",
	})
	assert.Equal(t, remoteexec.StatusSuccess, health.Status)
	assert.JSONEq(t, `{"status":"running"}`, health.Stdout)

	assert.Equal(t, 3, c.CommandCount())
}

func TestRestartWithoutMaterialFails(t *testing.T) {
	c := NewCommandChannel(0, nil)

	restart := submitAndWait(t, c, "10.0.1.12", remoteexec.Payload{
		Action:  remoteexec.ActionRestart,
		Service: "backbone-server",
	})
	assert.Equal(t, remoteexec.StatusFailed, restart.Status)
	assert.Contains(t, restart.Stderr, "no certificate material")
}

func TestHealthBeforeRestartReportsStopped(t *testing.T) {
	c := NewCommandChannel(0, nil)

	health := submitAndWait(t, c, "10.0.1.13", remoteexec.Payload{
		Action:  remoteexec.ActionHealth,
		Service: "backbone-server",
	})
	assert.Equal(t, remoteexec.StatusSuccess, health.Status)
	assert.JSONEq(t, `{"status":"stopped"}`, health.Stdout)
}

func TestUnknownActionFails(t *testing.T) {
	c := NewCommandChannel(0, nil)

	cmd := submitAndWait(t, c, "10.0.1.14", remoteexec.Payload{Action: "reboot"})
	assert.Equal(t, remoteexec.StatusFailed, cmd.Status)
	assert.Contains(t, cmd.Stderr, "unknown action")
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	c := NewCommandChannel(0, nil)

	_, err := c.Submit("10.0.1.11", []byte("not json"))
	assert.Error(t, err)
}

func TestStatusUnknownCommand(t *testing.T) {
	c := NewCommandChannel(0, nil)

	_, ok := c.Status("no-such-command")
	assert.False(t, ok)
}
