package cdpilot

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"

	"github.com/cdpilot/cdpilot/kb"
)

// MouseButton names a pointer button.
type MouseButton = input.MouseButton

// buttonBit returns the CDP buttons bitmask bit for a button.
func buttonBit(b MouseButton) int64 {
	switch b {
	case input.Left:
		return 1
	case input.Right:
		return 2
	case input.Middle:
		return 4
	}
	return 0
}

// keyboard tracks pressed modifiers for one page and synthesizes key events
// on its main session.
type keyboard struct {
	page  *Page
	macOS bool

	mu      sync.Mutex
	pressed kb.Modifier
}

func (k *keyboard) modifiers() kb.Modifier {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pressed
}

func (k *keyboard) addModifier(m kb.Modifier) {
	k.mu.Lock()
	k.pressed |= m
	k.mu.Unlock()
}

func (k *keyboard) clear() {
	k.mu.Lock()
	k.pressed = 0
	k.mu.Unlock()
}

// parseCombo splits a "+"-separated combo into modifier bits (in order) and
// the main key name. The "+" key itself is special-cased: "+" and "Cmd++"
// press the plus key, not an empty combination.
func parseCombo(combo string, macOS bool) ([]kb.Modifier, string, error) {
	if combo == "" {
		return nil, "", ErrInvalidKeyCombo
	}
	if combo == "+" {
		return nil, "+", nil
	}
	main, rest := "", combo
	if strings.HasSuffix(rest, "++") {
		main = "+"
		rest = strings.TrimSuffix(rest, "++")
	}
	var parts []string
	if rest != "" {
		parts = strings.Split(rest, "+")
	}
	if main == "" {
		if len(parts) == 0 || parts[len(parts)-1] == "" {
			return nil, "", ErrInvalidKeyCombo
		}
		main = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	var mods []kb.Modifier
	for _, part := range parts {
		m, ok := kb.NormalizeModifier(part, macOS)
		if !ok {
			return nil, "", ErrInvalidKeyCombo
		}
		mods = append(mods, m)
	}
	return mods, main, nil
}

// press implements the key-press sequence: modifiers down in order, main key
// down, main key up, modifiers up in reverse. Any failure clears the
// pressed-modifier set so state never leaks into the next press.
func (k *keyboard) press(ctx context.Context, combo string) (err error) {
	defer func() {
		if err != nil {
			k.clear()
		}
	}()

	mods, mainName, err := parseCombo(combo, k.macOS)
	if err != nil {
		return err
	}
	key, ok := kb.Lookup(mainName)
	if !ok {
		return ErrInvalidKeyCombo
	}

	sess := k.page.mainSession()

	// modifiers down, cumulative bitmask
	for _, m := range mods {
		k.addModifier(m)
		mk := kb.ModifierKey(m)
		ev := input.DispatchKeyEvent(input.KeyRawDown).
			WithKey(mk.Key).
			WithCode(mk.Code).
			WithWindowsVirtualKeyCode(mk.Windows).
			WithModifiers(input.Modifier(k.modifiers()))
		if err = ev.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return err
		}
	}

	held := k.modifiers()
	nonShift := held &^ kb.ModifierShift

	// main key down
	switch {
	case key.Print && nonShift != 0:
		// rawKeyDown without text so accelerators don't double-input
		ev := input.DispatchKeyEvent(input.KeyRawDown).
			WithKey(key.Key).
			WithCode(key.Code).
			WithWindowsVirtualKeyCode(key.Windows).
			WithModifiers(input.Modifier(held))
		if cmds := kb.EditingCommands(held, key.Code, k.macOS); len(cmds) > 0 {
			ev = ev.WithCommands(cmds)
		}
		if err = ev.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return err
		}
	case key.Print:
		text := key.Text
		if held&kb.ModifierShift != 0 {
			text = strings.ToUpper(text)
		}
		ev := input.DispatchKeyEvent(input.KeyDown).
			WithKey(key.Key).
			WithCode(key.Code).
			WithText(text).
			WithUnmodifiedText(key.Text).
			WithWindowsVirtualKeyCode(key.Windows).
			WithModifiers(input.Modifier(held))
		if err = ev.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return err
		}
	default:
		ev := input.DispatchKeyEvent(input.KeyDown).
			WithKey(key.Key).
			WithCode(key.Code).
			WithWindowsVirtualKeyCode(key.Windows).
			WithModifiers(input.Modifier(held))
		if err = ev.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return err
		}
	}

	// main key up
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.Windows).
		WithModifiers(input.Modifier(held))
	if err = up.Do(cdp.WithExecutor(ctx, sess)); err != nil {
		return err
	}

	// modifiers up, reverse order, shrinking bitmask
	for i := len(mods) - 1; i >= 0; i-- {
		m := mods[i]
		k.mu.Lock()
		k.pressed &^= m
		remaining := k.pressed
		k.mu.Unlock()
		mk := kb.ModifierKey(m)
		ev := input.DispatchKeyEvent(input.KeyUp).
			WithKey(mk.Key).
			WithCode(mk.Code).
			WithWindowsVirtualKeyCode(mk.Windows).
			WithModifiers(input.Modifier(remaining))
		if err = ev.Do(cdp.WithExecutor(ctx, sess)); err != nil {
			return err
		}
	}
	return nil
}

// TypeOptions configure Page.Type.
type TypeOptions struct {
	// Delay is the pause between characters.
	Delay time.Duration
	// WithMistakes occasionally types a wrong character and corrects it
	// with Backspace.
	WithMistakes bool
}

const mistakeProbability = 0.05

// typeText dispatches per-character key events.
func (k *keyboard) typeText(ctx context.Context, text string, opts TypeOptions, rng *rand.Rand) error {
	sess := k.page.mainSession()
	for _, r := range text {
		if opts.WithMistakes && rng != nil && rng.Float64() < mistakeProbability {
			wrong := rune('a' + rng.Intn(26))
			if wrong != r {
				if err := k.tapRune(ctx, sess, wrong); err != nil {
					return err
				}
				if err := k.tapNamed(ctx, sess, "Backspace"); err != nil {
					return err
				}
			}
		}
		if err := k.tapRune(ctx, sess, r); err != nil {
			return err
		}
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (k *keyboard) tapRune(ctx context.Context, sess *Session, r rune) error {
	if r == '\n' || r == '\r' {
		return k.tapNamed(ctx, sess, "Enter")
	}
	key, _ := kb.Lookup(string(r))
	return k.tap(ctx, sess, key)
}

func (k *keyboard) tapNamed(ctx context.Context, sess *Session, name string) error {
	key, ok := kb.Lookup(name)
	if !ok {
		return ErrInvalidKeyCombo
	}
	return k.tap(ctx, sess, key)
}

func (k *keyboard) tap(ctx context.Context, sess *Session, key kb.Key) error {
	mods := input.Modifier(k.modifiers())
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.Windows).
		WithModifiers(mods)
	if key.Print {
		down = down.WithText(key.Text).WithUnmodifiedText(key.Text)
	}
	if err := down.Do(cdp.WithExecutor(ctx, sess)); err != nil {
		return err
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(key.Key).
		WithCode(key.Code).
		WithWindowsVirtualKeyCode(key.Windows).
		WithModifiers(mods)
	return up.Do(cdp.WithExecutor(ctx, sess))
}

// mouse synthesizes pointer events on a page's main session. Coordinates are
// viewport-relative CSS pixels.
type mouse struct {
	page *Page

	mu      sync.Mutex
	buttons int64
}

func (m *mouse) heldButtons() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buttons
}

func (m *mouse) dispatch(ctx context.Context, typ input.MouseType, x, y float64, button MouseButton, clickCount int64) error {
	sess := m.page.mainSession()
	mods := input.Modifier(m.page.keyboard.modifiers())

	p := input.DispatchMouseEvent(typ, x, y).
		WithModifiers(mods).
		WithButtons(m.heldButtons())
	if button != "" {
		p = p.WithButton(button)
	}
	if clickCount > 0 {
		p = p.WithClickCount(clickCount)
	}
	if err := p.Do(cdp.WithExecutor(ctx, sess)); err != nil {
		return err
	}
	if typ == input.MouseMoved {
		m.page.cursorMoved(ctx, x, y)
	}
	return nil
}

func (m *mouse) move(ctx context.Context, x, y float64) error {
	return m.dispatch(ctx, input.MouseMoved, x, y, input.None, 0)
}

func (m *mouse) press(ctx context.Context, x, y float64, button MouseButton, clickCount int64) error {
	m.mu.Lock()
	m.buttons |= buttonBit(button)
	m.mu.Unlock()
	return m.dispatch(ctx, input.MousePressed, x, y, button, clickCount)
}

func (m *mouse) release(ctx context.Context, x, y float64, button MouseButton, clickCount int64) error {
	m.mu.Lock()
	m.buttons &^= buttonBit(button)
	m.mu.Unlock()
	return m.dispatch(ctx, input.MouseReleased, x, y, button, clickCount)
}

func (m *mouse) wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	sess := m.page.mainSession()
	p := input.DispatchMouseEvent(input.MouseWheel, x, y).
		WithModifiers(input.Modifier(m.page.keyboard.modifiers())).
		WithDeltaX(deltaX).
		WithDeltaY(deltaY)
	return p.Do(cdp.WithExecutor(ctx, sess))
}
