package ui

import "github.com/charmbracelet/lipgloss"

type palette struct {
	Panel     lipgloss.Color
	Text      lipgloss.Color
	Muted     lipgloss.Color
	Accent    lipgloss.Color
	AccentAlt lipgloss.Color
	Border    lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	BarFill   lipgloss.Color
	BarEmpty  lipgloss.Color
}

// DefaultTheme is the palette used when none is configured.
const DefaultTheme = "studio"

// themeOrder is the rotation the theme key walks through.
var themeOrder = []string{DefaultTheme, "runway", "atelier", "denim"}

var palettes = map[string]palette{
	// warm paper tones, readable on light terminals
	"studio": {
		Panel:     "#e4dccf",
		Text:      "#2b2622",
		Muted:     "#8a7f73",
		Accent:    "#c2410c",
		AccentAlt: "#4338ca",
		Border:    "#cbbfae",
		Success:   "#15803d",
		Warning:   "#b45309",
		BarFill:   "#c2410c",
		BarEmpty:  "#e4dccf",
	},
	"runway": {
		Panel:     "#27272a",
		Text:      "#fafafa",
		Muted:     "#a1a1aa",
		Accent:    "#f472b6",
		AccentAlt: "#e4e4e7",
		Border:    "#3f3f46",
		Success:   "#4ade80",
		Warning:   "#facc15",
		BarFill:   "#f472b6",
		BarEmpty:  "#27272a",
	},
	"atelier": {
		Panel:     "#3b2f2a",
		Text:      "#f3e9dc",
		Muted:     "#b6a392",
		Accent:    "#d4a373",
		AccentAlt: "#a3b18a",
		Border:    "#5c4a40",
		Success:   "#a3b18a",
		Warning:   "#e76f51",
		BarFill:   "#d4a373",
		BarEmpty:  "#3b2f2a",
	},
	"denim": {
		Panel:     "#1e3a5f",
		Text:      "#e6eef7",
		Muted:     "#8fa8c4",
		Accent:    "#60a5fa",
		AccentAlt: "#fbbf24",
		Border:    "#2f5078",
		Success:   "#34d399",
		Warning:   "#fb923c",
		BarFill:   "#60a5fa",
		BarEmpty:  "#1e3a5f",
	},
}

func paletteFor(name string) palette {
	if p, ok := palettes[name]; ok {
		return p
	}
	return palettes[DefaultTheme]
}

func themeNames() []string { return append([]string(nil), themeOrder...) }

// nextThemeName steps through themeOrder. Unknown names start over at the
// default.
func nextThemeName(current string, step int) string {
	idx := 0
	for i, name := range themeOrder {
		if name == current {
			idx = i
			break
		}
	}
	idx = (idx + step) % len(themeOrder)
	if idx < 0 {
		idx += len(themeOrder)
	}
	return themeOrder[idx]
}
