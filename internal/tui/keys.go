package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings of the session screen
type KeyMap struct {
	Toggle   key.Binding
	Cancel   key.Binding
	Repeat   key.Binding
	Type     key.Binding
	Submit   key.Binding
	Level    key.Binding
	Beginner key.Binding
	Middle   key.Binding
	Advanced key.Binding
	Quit     key.Binding
	CtrlC    key.Binding
}

// DefaultKeyMap provides the default key bindings
var DefaultKeyMap = KeyMap{
	Toggle: key.NewBinding(
		key.WithKeys(" "),
		key.WithHelp("space", "talk/send"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "cancel"),
	),
	Repeat: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "repeat"),
	),
	Type: key.NewBinding(
		key.WithKeys("tab", "i"),
		key.WithHelp("tab", "type"),
	),
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Level: key.NewBinding(
		key.WithKeys("l"),
		key.WithHelp("l/1-3", "level"),
	),
	Beginner: key.NewBinding(key.WithKeys("1")),
	Middle:   key.NewBinding(key.WithKeys("2")),
	Advanced: key.NewBinding(key.WithKeys("3")),
	Quit: key.NewBinding(
		key.WithKeys("q"),
		key.WithHelp("q", "quit"),
	),
	CtrlC: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "exit"),
	),
}

// ShortHelp lists the bindings shown in the footer
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Toggle, k.Cancel, k.Repeat, k.Type, k.Level, k.Quit}
}
