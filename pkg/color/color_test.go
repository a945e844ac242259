package color_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ModeShape/modeshape-sub003/pkg/color"
)

func TestEnableDisable(t *testing.T) {
	color.Enable()
	assert.True(t, color.Enabled())
	assert.Equal(t, "\033[32mok\033[0m", color.Success("ok"))
	assert.Equal(t, "\033[36mabc\033[0m", color.LockID("abc"))

	color.Disable()
	t.Cleanup(color.Enable)
	assert.False(t, color.Enabled())
	assert.Equal(t, "ok", color.Success("ok"))
	assert.Equal(t, "released 2", color.Successf("released %d", 2))
	assert.Equal(t, "abc", color.LockID("abc"))
}

func TestScope(t *testing.T) {
	color.Disable()
	t.Cleanup(color.Enable)
	assert.Equal(t, "deep/open", color.Scope(true, false))
	assert.Equal(t, "shallow/session", color.Scope(false, true))
}
