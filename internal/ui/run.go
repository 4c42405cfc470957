package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

type options struct {
	theme     string
	version   string
	shareBase string
	updates   <-chan engine.Entitlement
	history   func(ctx context.Context) ([]engine.Transaction, error)
	reward    func(ctx context.Context) error
}

// Option configures Run.
type Option func(*options)

// WithTheme selects the starting palette.
func WithTheme(name string) Option { return func(o *options) { o.theme = name } }

// WithVersion is shown on the main menu.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// WithShareBase turns share tokens into links, e.g. "https://fitcheck.app".
func WithShareBase(url string) Option { return func(o *options) { o.shareBase = url } }

// WithEntitlements feeds pushed entitlement updates into the program.
func WithEntitlements(ch <-chan engine.Entitlement) Option {
	return func(o *options) { o.updates = ch }
}

// WithHistory lists credit transactions on the account view.
func WithHistory(f func(ctx context.Context) ([]engine.Transaction, error)) Option {
	return func(o *options) { o.history = f }
}

// WithReward grants a credit for a watched ad.
func WithReward(f func(ctx context.Context) error) Option {
	return func(o *options) { o.reward = f }
}

// Run boots the TUI program and blocks until it exits.
func Run(ctx context.Context, ctrl *engine.Controller, opts ...Option) error {
	o := options{theme: DefaultTheme}
	for _, opt := range opts {
		opt(&o)
	}
	m := initialModel(ctx, ctrl, o)
	program := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
