package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-hide_banner -loglevel "error" -threads 2`
	expected := []string{"-hide_banner", "-loglevel", "error", "-threads", "2"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitCommand(`-loglevel "error`)
	assert.Error(t, err)
}

func TestValidateGlobalArgs(t *testing.T) {
	t.Run("Valid global args", func(t *testing.T) {
		args, _ := SplitCommand(`-hide_banner -loglevel error -threads 2`)
		assert.NoError(t, ValidateGlobalArgs(args))
	})

	t.Run("Managed option", func(t *testing.T) {
		args, _ := SplitCommand(`-hide_banner -i /etc/passwd`)
		err := ValidateGlobalArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "option -i is managed by the engine")
	})

	t.Run("Path-like argument", func(t *testing.T) {
		args, _ := SplitCommand(`-report ../out.log`)
		err := ValidateGlobalArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "path-like argument not allowed")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitCommand(`-loglevel error; ls`)
		err := ValidateGlobalArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: error;")
	})
}
