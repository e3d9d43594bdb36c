package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupNamedKeys(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		code    string
		windows int64
		print   bool
	}{
		{"Enter", "Enter", "Enter", 13, true},
		{"Tab", "Tab", "Tab", 9, false},
		{"Backspace", "Backspace", "Backspace", 8, false},
		{"Escape", "Escape", "Escape", 27, false},
		{"Delete", "Delete", "Delete", 46, false},
		{"ArrowDown", "ArrowDown", "ArrowDown", 40, false},
		{"PageUp", "PageUp", "PageUp", 33, false},
		{"Home", "Home", "Home", 36, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, ok := Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.key, k.Key)
			assert.Equal(t, tt.code, k.Code)
			assert.Equal(t, tt.windows, k.Windows)
			assert.Equal(t, tt.print, k.Print)
		})
	}
}

func TestLookupPrintable(t *testing.T) {
	k, ok := Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "KeyA", k.Code)
	assert.Equal(t, int64('A'), k.Windows)
	assert.Equal(t, "a", k.Text)
	assert.True(t, k.Print)

	k, ok = Lookup("7")
	require.True(t, ok)
	assert.Equal(t, "Digit7", k.Code)

	k, ok = Lookup("+")
	require.True(t, ok)
	assert.Equal(t, "+", k.Key)
	assert.Equal(t, "Equal", k.Code)
	assert.True(t, k.Print)

	_, ok = Lookup("NoSuchKey")
	assert.False(t, ok)
}

func TestNormalizeModifier(t *testing.T) {
	tests := []struct {
		in    string
		macOS bool
		want  Modifier
		ok    bool
	}{
		{"cmd", true, ModifierMeta, true},
		{"cmd", false, ModifierCtrl, true},
		{"command", true, ModifierMeta, true},
		{"win", false, ModifierMeta, true},
		{"ctrl", false, ModifierCtrl, true},
		{"Control", true, ModifierCtrl, true},
		{"option", true, ModifierAlt, true},
		{"alt", false, ModifierAlt, true},
		{"shift", false, ModifierShift, true},
		{"hyper", false, 0, false},
	}
	for _, tt := range tests {
		got, ok := NormalizeModifier(tt.in, tt.macOS)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestEditingCommands(t *testing.T) {
	assert.Equal(t, []string{"selectAll"}, EditingCommands(ModifierMeta, "KeyA", true))
	assert.Equal(t, []string{"paste"}, EditingCommands(ModifierMeta|ModifierShift, "KeyV", true))
	assert.Nil(t, EditingCommands(ModifierMeta, "KeyA", false))
	assert.Nil(t, EditingCommands(ModifierCtrl, "KeyA", true))
	assert.Nil(t, EditingCommands(ModifierMeta, "KeyQ", true))
}

func TestModifierKey(t *testing.T) {
	assert.Equal(t, "MetaLeft", ModifierKey(ModifierMeta).Code)
	assert.Equal(t, "ShiftLeft", ModifierKey(ModifierShift).Code)
	assert.Equal(t, int64(17), ModifierKey(ModifierCtrl).Windows)
}
