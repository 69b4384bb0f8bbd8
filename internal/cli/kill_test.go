package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/rdev/internal/device"
)

func TestSignalData(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		path      string
		interrupt bool
		want      device.SignalData
		wantErr   string
	}{
		{name: "pid", args: []string{"4242"}, want: device.SignalData{Kind: device.KillByPid, PID: 4242}},
		{name: "interrupt", args: []string{"17"}, interrupt: true, want: device.SignalData{Kind: device.InterruptByPid, PID: 17}},
		{name: "path", path: "/opt/app/bin/app", want: device.SignalData{Kind: device.KillByPath, Path: "/opt/app/bin/app"}},
		{name: "nothing", wantErr: "What should I stop"},
		{name: "both", args: []string{"1"}, path: "/bin/x", wantErr: "not both"},
		{name: "interrupt path", path: "/bin/x", interrupt: true, wantErr: "pid only"},
		{name: "not a number", args: []string{"app"}, wantErr: "isn't a process id"},
		{name: "zero", args: []string{"0"}, wantErr: "isn't a process id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := signalData(tt.args, tt.path, tt.interrupt)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "pid 12", target(device.SignalData{Kind: device.KillByPid, PID: 12}))
	assert.Equal(t, "/bin/app", target(device.SignalData{Kind: device.KillByPath, Path: "/bin/app"}))
}
