package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rileyhilliard/rdev/internal/logger"
)

func pushes(device string, n int) []FileToTransfer {
	files := make([]FileToTransfer, n)
	for i := range files {
		files[i] = FileToTransfer{
			Source: Local("/src/f" + string(rune('a'+i))),
			Target: OnDevice(device, "/dst/f"+string(rune('a'+i))),
		}
	}
	return files
}

func TestSelectMethod(t *testing.T) {
	all := func(Method, FileToTransfer) bool { return true }
	none := func(Method, FileToTransfer) bool { return false }

	tests := []struct {
		name     string
		setup    Setup
		supports func(Method, FileToTransfer) bool
		want     Method
	}{
		{"preferred sftp confirmed", Setup{Files: pushes("board", 3), Method: MethodSftp}, all, MethodSftp},
		{"preferred rsync confirmed", Setup{Files: pushes("board", 3), Method: MethodRsync}, all, MethodRsync},
		{"generic requested", Setup{Files: pushes("board", 3), Method: MethodGeneric}, all, MethodGeneric},
		{"nothing confirmed", Setup{Files: pushes("board", 3), Method: MethodRsync}, none, MethodGeneric},
		{"no probe data", Setup{Files: pushes("board", 3), Method: MethodSftp}, nil, MethodGeneric},
		{"empty job", Setup{Method: MethodSftp}, all, MethodGeneric},
		{
			"remote source",
			Setup{Files: []FileToTransfer{{Source: OnDevice("a", "/x"), Target: OnDevice("board", "/x")}}, Method: MethodSftp},
			all, MethodGeneric,
		},
		{
			"local target",
			Setup{Files: []FileToTransfer{{Source: Local("/x"), Target: Local("/y")}}, Method: MethodSftp},
			all, MethodGeneric,
		},
		{
			"two target devices",
			Setup{Files: append(pushes("board", 2), pushes("other", 1)...), Method: MethodSftp},
			all, MethodGeneric,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectMethod(tt.setup, tt.supports, nil))
		})
	}
}

func TestSelectMethod_OneDisagreementDowngradesAll(t *testing.T) {
	files := pushes("board", 10)
	for bad := range files {
		supports := func(m Method, f FileToTransfer) bool {
			return f.Target.Path != files[bad].Target.Path
		}
		log := logger.NewBufferLogger()

		got := SelectMethod(Setup{Files: files, Method: MethodRsync}, supports, log)
		assert.Equal(t, MethodGeneric, got, "file %d disagreeing must downgrade the whole job", bad)
		assert.True(t, log.Contains("info", "copying all 10 files generically"))
	}
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"": MethodSftp, "SFTP": MethodSftp, "rsync": MethodRsync, " generic ": MethodGeneric} {
		got, err := ParseMethod(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMethod("scp")
	assert.Error(t, err)
}

func TestCapabilities_Supports(t *testing.T) {
	var none Capabilities
	assert.False(t, none.Supports(MethodSftp))
	assert.False(t, none.Supports(MethodRsync))
	assert.True(t, none.Supports(MethodGeneric))
	assert.True(t, Capabilities{Rsync: true}.Supports(MethodRsync))
}
