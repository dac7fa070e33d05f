package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maxidomd/internal/config"
)

func TestLineInputs(t *testing.T) {
	in := lineInputs("aZ1")
	codes := make([]string, 0, len(in))
	for i, ev := range in {
		if i%2 == 0 {
			assert.Equal(t, "keydown", ev.Type)
		} else {
			assert.Equal(t, "keyup", ev.Type)
		}
		assert.Zero(t, ev.T)
		codes = append(codes, ev.Code)
	}
	assert.Equal(t, []string{"KeyA", "KeyA", "KeyZ", "KeyZ", "Digit1", "Digit1", "Enter", "Enter"}, codes)
}

func TestKeyCodeUnknownRune(t *testing.T) {
	assert.Equal(t, "Unidentified", keyCode('é'))
	assert.Equal(t, "Space", keyCode(' '))
}

func TestHubAddrUsesLoopbackForWildcard(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Server.ListenAddr = "0.0.0.0:7777"
	assert.Equal(t, "127.0.0.1:7777", hubAddr(cfg))

	cfg.Server.ListenAddr = ":7777"
	assert.Equal(t, "127.0.0.1:7777", hubAddr(cfg))

	cfg.Server.ListenAddr = "192.168.1.4:7777"
	assert.Equal(t, "ws://192.168.1.4:7777/ws", hubURL(cfg, "ws", "/ws"))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "enroll", "reset-profile", "attach", "version"} {
		assert.True(t, names[want], want)
	}
}
