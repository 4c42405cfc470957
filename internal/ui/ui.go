package ui

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/imagegen"
)

const (
	viewMainMenu = "main_menu"
	viewDressing = "dressing"
	viewPoses    = "poses"
	viewAccount  = "account"
	viewHelp     = "help"
)

const (
	promptPhoto   = "photo"
	promptShare   = "share"
	promptGarment = "garment"
)

const replayLabel = "Recreating shared look"

type styles struct {
	title    lipgloss.Style
	accent   lipgloss.Style
	muted    lipgloss.Style
	warning  lipgloss.Style
	success  lipgloss.Style
	panel    lipgloss.Style
	selected lipgloss.Style
	fill     lipgloss.Style
	empty    lipgloss.Style
}

func newStyles(p palette) styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(p.Accent),
		accent:   lipgloss.NewStyle().Foreground(p.AccentAlt),
		muted:    lipgloss.NewStyle().Foreground(p.Muted),
		warning:  lipgloss.NewStyle().Bold(true).Foreground(p.Warning),
		success:  lipgloss.NewStyle().Foreground(p.Success),
		panel:    lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(p.Border).Padding(0, 1),
		selected: lipgloss.NewStyle().Bold(true).Foreground(p.Text).Background(p.Panel),
		fill:     lipgloss.NewStyle().Foreground(p.BarFill),
		empty:    lipgloss.NewStyle().Foreground(p.BarEmpty),
	}
}

// actionDoneMsg ends a controller call that ran off the update loop.
type actionDoneMsg struct {
	label string
	err   error
}

type entitlementMsg struct {
	ent engine.Entitlement
	ok  bool
}

type historyMsg struct {
	txs []engine.Transaction
	err error
}

type refreshMsg struct{}

type model struct {
	ctx    context.Context
	ctrl   *engine.Controller
	opts   options
	view   string
	theme  string
	styles styles
	width  int
	height int

	wardrobeIndex int
	poseIndex     int

	// text entry, active while prompt is set
	prompt string
	input  string

	pending   string
	status    string
	shareLink string

	history    []engine.Transaction
	historyErr string
}

func initialModel(ctx context.Context, ctrl *engine.Controller, o options) model {
	if o.theme == "" {
		o.theme = DefaultTheme
	}
	m := model{ctx: ctx, ctrl: ctrl, opts: o, view: viewMainMenu}
	m.setTheme(o.theme)
	if ctrl.Session().Len() > 0 {
		m.view = viewDressing
	}
	return m
}

func (m *model) setTheme(name string) {
	if _, ok := palettes[name]; !ok {
		name = DefaultTheme
	}
	m.theme = name
	m.styles = newStyles(paletteFor(name))
}

// home is the view esc returns to.
func (m *model) home() string {
	if m.ctrl.Session().Len() > 0 {
		return viewDressing
	}
	return viewMainMenu
}

func waitForEntitlement(ch <-chan engine.Entitlement) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		return entitlementMsg{ent: e, ok: ok}
	}
}

// tea.Model implementation ---------------------------------------------------
func (m model) Init() tea.Cmd { return waitForEntitlement(m.opts.updates) }

func (m model) View() string {
	var body string
	switch m.view {
	case viewDressing:
		body = m.renderDressing()
	case viewPoses:
		body = m.renderPoses()
	case viewAccount:
		body = m.renderAccount()
	case viewHelp:
		body = m.renderHelp()
	default:
		body = m.renderMainMenu()
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderTopBar(), body, m.renderBottomBar())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case entitlementMsg:
		if !msg.ok {
			return m, nil
		}
		m.ctrl.SetEntitlement(msg.ent)
		return m, waitForEntitlement(m.opts.updates)
	case actionDoneMsg:
		return m.finish(msg)
	case historyMsg:
		m.history = msg.txs
		m.historyErr = ""
		if msg.err != nil {
			m.historyErr = msg.err.Error()
		}
		return m, nil
	case refreshMsg:
		if m.ctrl.Session().Len() == 0 && m.view == viewDressing {
			m.view = viewMainMenu
		}
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.prompt != "" {
			return m.handlePrompt(msg)
		}
		return m.handleKey(msg.String())
	}
	return m, nil
}

func (m model) handleKey(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "?":
		if m.view == viewHelp {
			m.view = m.home()
		} else {
			m.view = viewHelp
		}
		return m, nil
	case "t":
		m.setTheme(nextThemeName(m.theme, 1))
		return m, nil
	}
	switch m.view {
	case viewMainMenu:
		return m.mainMenuKey(k)
	case viewDressing:
		return m.dressingKey(k)
	case viewPoses:
		return m.posesKey(k)
	case viewAccount:
		return m.accountKey(k)
	case viewHelp:
		if k == "esc" || k == "q" {
			m.view = m.home()
		}
	}
	return m, nil
}

func (m model) mainMenuKey(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "1":
		if err := m.ctrl.SelectSample(""); err == nil {
			m.shareLink = ""
			m.view = viewDressing
		}
	case "2":
		m.openPrompt(promptPhoto)
	case "3":
		m.openPrompt(promptShare)
	case "4":
		return m.openAccount()
	case "esc":
		m.ctrl.DismissNotice()
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m model) dressingKey(k string) (tea.Model, tea.Cmd) {
	ctrl := m.ctrl
	items := ctrl.Wardrobe().Items()
	switch k {
	case "up", "k":
		if m.wardrobeIndex > 0 {
			m.wardrobeIndex--
		}
	case "down", "j":
		if m.wardrobeIndex < len(items)-1 {
			m.wardrobeIndex++
		}
	case "enter":
		if m.wardrobeIndex < len(items) {
			item := items[m.wardrobeIndex]
			return m.run("Applying "+item.Name, func(ctx context.Context) error {
				return ctrl.ApplyGarment(ctx, item.ID)
			})
		}
	case "u", "backspace":
		if ctrl.RemoveLastGarment() {
			m.shareLink = ""
		}
	case "a":
		m.openPrompt(promptGarment)
	case "x":
		if m.wardrobeIndex < len(items) && ctrl.RemoveWardrobeItem(items[m.wardrobeIndex].ID) == nil {
			if m.wardrobeIndex >= ctrl.Wardrobe().Len() && m.wardrobeIndex > 0 {
				m.wardrobeIndex--
			}
		}
	case "p":
		m.poseIndex = ctrl.Session().Cursor().Pose
		m.view = viewPoses
	case "s":
		if tok, err := ctrl.Share(); err == nil {
			m.shareLink = m.shareURL(tok)
		}
	case "n":
		ctrl.StartOver()
		m.shareLink = ""
		m.status = ""
		m.wardrobeIndex = 0
		m.view = viewMainMenu
	case "c":
		return m.openAccount()
	case "esc":
		ctrl.DismissNotice()
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m model) posesKey(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "up", "k", "left", "h":
		if m.poseIndex > 0 {
			m.poseIndex--
		}
	case "down", "j", "right", "l":
		if m.poseIndex < len(engine.Poses)-1 {
			m.poseIndex++
		}
	case "enter":
		return m.selectPose(m.poseIndex)
	case "esc", "q":
		m.view = viewDressing
	default:
		if len(k) == 1 && k[0] >= '1' && int(k[0]-'1') < len(engine.Poses) {
			m.poseIndex = int(k[0] - '1')
			return m.selectPose(m.poseIndex)
		}
	}
	return m, nil
}

func (m model) selectPose(idx int) (tea.Model, tea.Cmd) {
	ctrl := m.ctrl
	m.shareLink = ""
	return m.run("Posing", func(ctx context.Context) error {
		return ctrl.SelectPose(ctx, idx)
	})
}

func (m model) accountKey(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "w":
		if m.opts.reward == nil {
			m.ctrl.SetNotice("Rewards are only available with an account.")
			return m, nil
		}
		reward := m.opts.reward
		return m.run("Watching ad", func(ctx context.Context) error {
			return reward(ctx)
		})
	case "r":
		return m, m.loadHistory()
	case "esc", "q":
		m.ctrl.ClearRoute()
		m.view = m.home()
	}
	return m, nil
}

func (m model) openAccount() (tea.Model, tea.Cmd) {
	m.view = viewAccount
	return m, m.loadHistory()
}

func (m model) loadHistory() tea.Cmd {
	if m.opts.history == nil {
		return nil
	}
	ctx, list := m.ctx, m.opts.history
	return func() tea.Msg {
		txs, err := list(ctx)
		return historyMsg{txs: txs, err: err}
	}
}

// run dispatches f off the update loop. Only one action runs at a time.
func (m model) run(label string, f func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	if m.pending != "" {
		m.ctrl.SetNotice(engine.FriendlyMessage(engine.ErrBusy, label))
		return m, nil
	}
	m.pending = label
	m.status = ""
	ctx := m.ctx
	return m, func() tea.Msg {
		return actionDoneMsg{label: label, err: f(ctx)}
	}
}

func (m model) finish(msg actionDoneMsg) (tea.Model, tea.Cmd) {
	m.pending = ""
	if msg.err != nil {
		switch m.ctrl.Route() {
		case engine.RouteSignIn, engine.RouteEarnCredits:
			return m.openAccount()
		}
		if msg.label == replayLabel {
			return m, tea.Tick(engine.DefaultReplayResetDelay+100*time.Millisecond, func(time.Time) tea.Msg { return refreshMsg{} })
		}
		return m, nil
	}
	m.status = msg.label + " done"
	if m.view == viewMainMenu && m.ctrl.Session().Len() > 0 {
		m.view = viewDressing
	}
	if m.view == viewAccount {
		return m, m.loadHistory()
	}
	return m, nil
}

// Prompt -----------------------------------------------------------------------
func (m *model) openPrompt(kind string) {
	m.prompt = kind
	m.input = ""
}

func (m model) handlePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.prompt, m.input = "", ""
		return m, nil
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
		return m, nil
	case tea.KeyEnter:
		kind, value := m.prompt, strings.TrimSpace(m.input)
		m.prompt, m.input = "", ""
		if value == "" {
			return m, nil
		}
		return m.submit(kind, value)
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	}
	return m, nil
}

func (m model) submit(kind, value string) (tea.Model, tea.Cmd) {
	ctrl := m.ctrl
	switch kind {
	case promptPhoto:
		return m.run("Creating model", func(ctx context.Context) error {
			ref, err := photoRef(value)
			if err != nil {
				ctrl.SetNotice("Could not read that photo: " + err.Error())
				return err
			}
			return ctrl.CreateModel(ctx, ref)
		})
	case promptShare:
		token := shareToken(value)
		m.shareLink = ""
		return m.run(replayLabel, func(ctx context.Context) error {
			return ctrl.Replay(ctx, token)
		})
	case promptGarment:
		item, ok := parseGarment(value)
		if !ok {
			ctrl.SetNotice("Enter a garment as: name | image URL")
			return m, nil
		}
		return m.run("Applying "+item.Name, func(ctx context.Context) error {
			return ctrl.ApplyCustomGarment(ctx, item)
		})
	}
	return m, nil
}

// photoRef accepts URLs as is and inlines local files as data URLs.
func photoRef(value string) (string, error) {
	for _, p := range []string{"http://", "https://", "data:"} {
		if strings.HasPrefix(value, p) {
			return value, nil
		}
	}
	img, err := imagegen.LoadFile(value)
	if err != nil {
		return "", err
	}
	return img.DataURL(), nil
}

// shareToken extracts the token from a pasted share link.
func shareToken(value string) string {
	if u, err := url.Parse(value); err == nil && u.Scheme != "" {
		if tok := u.Query().Get("share"); tok != "" {
			return tok
		}
	}
	return value
}

func parseGarment(value string) (engine.WardrobeItem, bool) {
	name, ref, ok := strings.Cut(value, "|")
	if !ok {
		return engine.WardrobeItem{}, false
	}
	name, ref = strings.TrimSpace(name), strings.TrimSpace(ref)
	if name == "" || ref == "" {
		return engine.WardrobeItem{}, false
	}
	return engine.WardrobeItem{Name: name, ImageRef: ref}, true
}

func (m model) shareURL(token string) string {
	if m.opts.shareBase == "" {
		return token
	}
	return strings.TrimSuffix(m.opts.shareBase, "/") + "/?share=" + url.QueryEscape(token)
}

// Layout rendering -----------------------------------------------------------
func (m model) contentWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m model) renderTopBar() string {
	ent := m.ctrl.Entitlement()
	left := strings.Join([]string{"FITCHECK", ent.Name, string(ent.Plan)}, " • ")
	right := "Credits " + m.creditBar(ent.Credits) + fmt.Sprintf(" %d", ent.Credits)
	if ent.Plan == engine.PlanPremium {
		right = "Unlimited"
	}
	gap := m.contentWidth() - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return m.styles.title.Render(left) + strings.Repeat(" ", gap) + right
}

func (m model) creditBar(n int) string {
	const cells = 10
	if n < 0 {
		n = 0
	}
	if n > cells {
		n = cells
	}
	return m.styles.fill.Render(strings.Repeat("■", n)) + m.styles.empty.Render(strings.Repeat("□", cells-n))
}

func (m model) renderBottomBar() string {
	var hints string
	switch m.view {
	case viewDressing:
		hints = "[↑/↓] pick  [Enter] wear  [U] undo  [A] custom  [X] delete  [P] poses  [S] share  [N] start over  [C] account  [?] help  [Q] quit"
	case viewPoses:
		hints = "[1-6] pose  [←/→] move  [Enter] render  [Esc] back"
	case viewAccount:
		hints = "[W] watch ad  [R] refresh  [Esc] back"
	case viewHelp:
		hints = "[Esc] back"
	default:
		hints = "[1] sample model  [2] your photo  [3] open share link  [4] account  [T] theme  [?] help  [Q] quit"
	}
	lines := []string{m.styles.muted.Render(hints)}
	if m.prompt != "" {
		lines = append(lines, m.styles.accent.Render(promptLabel(m.prompt)+"> ")+m.input+"_")
	}
	if m.pending != "" {
		lines = append(lines, m.styles.accent.Render(m.pending+"..."))
	}
	if n := m.ctrl.Notice(); n != "" {
		lines = append(lines, m.styles.warning.Render(n)+m.styles.muted.Render("  [Esc] dismiss"))
	} else if m.status != "" {
		lines = append(lines, m.styles.success.Render(m.status))
	}
	return strings.Join(lines, "\n")
}

func promptLabel(kind string) string {
	switch kind {
	case promptPhoto:
		return "Photo path or URL"
	case promptShare:
		return "Share link"
	case promptGarment:
		return "Garment (name | image URL)"
	}
	return kind
}

func (m model) renderMainMenu() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render("FITCHECK") + "\n")
	b.WriteString(m.styles.muted.Render("Virtual try-on studio") + "\n\n")
	b.WriteString("1) Start with the sample model\n")
	b.WriteString("2) Create a model from your photo\n")
	b.WriteString("3) Open a share link\n")
	b.WriteString("4) Account & credits\n")
	if state := m.ctrl.ReplayDriver().State(); state == engine.ReplayFailed {
		b.WriteString("\n" + m.styles.warning.Render("The shared look could not be recreated. Resetting...") + "\n")
	}
	if m.opts.version != "" {
		b.WriteString("\n" + m.styles.muted.Render("v"+m.opts.version+" • theme "+m.theme) + "\n")
	}
	return b.String()
}

func (m model) renderDressing() string {
	snap := m.ctrl.Snapshot()
	w := m.contentWidth()
	sidebarWidth := 34
	if w < 90 {
		sidebarWidth = 26
	}
	mainWidth := w - sidebarWidth - 1

	var b strings.Builder
	b.WriteString(m.styles.title.Render("# LOOK") + "\n")
	b.WriteString("Image: " + shortRef(snap.DisplayImage) + "\n")
	if pose, ok := engine.PoseAt(snap.Cursor.Pose); ok {
		b.WriteString("Pose:  " + string(pose) + "\n")
	}
	if snap.Generating {
		b.WriteString(m.styles.accent.Render("Rendering...") + "\n")
	}
	b.WriteString("\n" + m.styles.title.Render("# LAYERS") + "\n")
	for i, l := range snap.Layers {
		name := "Model"
		if l.Garment != nil {
			name = l.Garment.Name
		}
		marker := "  "
		if i == snap.Cursor.Layer {
			marker = "> "
		}
		line := fmt.Sprintf("%s%d. %s", marker, i, name)
		if !l.Active {
			line = m.styles.muted.Render(line + " (undone)")
		}
		b.WriteString(line + "\n")
	}
	if snap.Shareable {
		b.WriteString("\n" + m.styles.muted.Render("This look can be shared.") + "\n")
	}
	if m.shareLink != "" {
		b.WriteString("\n" + m.styles.success.Render("Share: ") + m.shareLink + "\n")
	}

	main := lipgloss.NewStyle().Width(mainWidth).Render(b.String())
	side := m.styles.panel.Width(sidebarWidth).Render(m.buildWardrobe(snap))
	return lipgloss.JoinHorizontal(lipgloss.Top, main, side)
}

func (m model) buildWardrobe(snap engine.Snapshot) string {
	active := make(map[string]bool, len(snap.ActiveGarmentIDs))
	for _, id := range snap.ActiveGarmentIDs {
		active[id] = true
	}
	var b strings.Builder
	b.WriteString(m.styles.title.Render("WARDROBE") + "\n")
	for i, it := range snap.Wardrobe {
		tag := "  "
		if active[it.ID] {
			tag = "✓ "
		}
		line := tag + it.Name
		if !m.ctrl.Wardrobe().IsBuiltin(it.ID) {
			line += m.styles.muted.Render(" (custom)")
		}
		if i == m.wardrobeIndex {
			line = m.styles.selected.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m model) renderPoses() string {
	snap := m.ctrl.Snapshot()
	cached := make(map[engine.Pose]bool, len(snap.AvailablePoses))
	for _, p := range snap.AvailablePoses {
		cached[p] = true
	}
	var b strings.Builder
	b.WriteString(m.styles.title.Render("POSES") + "\n")
	for i, p := range snap.Poses {
		marker := "  "
		if i == snap.Cursor.Pose {
			marker = "● "
		}
		line := fmt.Sprintf("%s%d. %s", marker, i+1, p)
		if cached[p] {
			line += m.styles.muted.Render(" (ready)")
		}
		if i == m.poseIndex {
			line = m.styles.selected.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if tr := snap.Transition; tr != nil && tr.Phase == engine.PoseRolledBack {
		b.WriteString("\n" + m.styles.warning.Render("Last pose change was rolled back.") + "\n")
	}
	return b.String()
}

func (m model) renderAccount() string {
	ent := m.ctrl.Entitlement()
	var b strings.Builder
	b.WriteString(m.styles.title.Render("ACCOUNT") + "\n")
	switch m.ctrl.Route() {
	case engine.RouteSignIn:
		b.WriteString(m.styles.warning.Render("Sign in on the web studio to start generating.") + "\n\n")
	case engine.RouteEarnCredits:
		b.WriteString(m.styles.warning.Render("You are out of credits. Press W to watch an ad for one more.") + "\n\n")
	}
	if !ent.Authenticated {
		b.WriteString("Signed out\n")
	} else {
		b.WriteString(fmt.Sprintf("%s <%s>\n", ent.Name, ent.Email))
	}
	b.WriteString(fmt.Sprintf("Plan:    %s\n", ent.Plan))
	b.WriteString(fmt.Sprintf("Credits: %s %d\n", m.creditBar(ent.Credits), ent.Credits))
	if m.opts.history == nil {
		return b.String()
	}
	b.WriteString("\n" + m.styles.title.Render("HISTORY") + "\n")
	if m.historyErr != "" {
		b.WriteString(m.styles.warning.Render(m.historyErr) + "\n")
	}
	if len(m.history) == 0 {
		b.WriteString("(no transactions)\n")
	}
	for _, tx := range m.history {
		b.WriteString(fmt.Sprintf("%s  %+3d  %s\n", tx.CreatedAt.Format("2006-01-02 15:04"), tx.Amount, tx.Description))
	}
	return b.String()
}

const helpMarkdown = `# Fitcheck

Pick a model, then layer garments from the wardrobe on top of it.
Every new garment or pose is rendered once and cached, so undo and redo are free.

## Credits

* Signed-in users spend one credit per render.
* Premium plans render without limits.
* Watch an ad from the account view to earn a credit.

## Sharing

Looks built on the sample model can be shared. Opening a share link
rebuilds the look garment by garment without charging you.

## Keys

| Key | Action |
| --- | --- |
| Enter | wear the selected garment |
| U | undo the last garment |
| A | wear a custom garment |
| P | choose a pose |
| S | share the look |
| N | start over |
| T | next theme |
`

func (m model) renderHelp() string {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(m.contentWidth()-4))
	if err != nil {
		return helpMarkdown
	}
	out, err := renderer.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return out
}

// shortRef keeps data URLs and long links readable in a terminal.
func shortRef(ref string) string {
	if ref == "" {
		return "(none)"
	}
	if strings.HasPrefix(ref, "data:") {
		meta, payload, _ := strings.Cut(ref, ",")
		return fmt.Sprintf("%s (%d KB)", strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64"), len(payload)*3/4/1024)
	}
	if len(ref) > 72 {
		return ref[:69] + "..."
	}
	return ref
}
