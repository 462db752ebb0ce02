package confighub

// Built-in presentation defaults used whenever the backend cannot be reached.
const (
	DefaultTitle        = "AI Assistant"
	DefaultSubtitle     = "How can I help you today?"
	DefaultFirstMessage = "Merhaba! Size nasıl yardımcı olabilirim?"
)

// Avatar describes the assistant avatar.
type Avatar struct {
	Type   string `json:"type,omitempty"`
	Color1 string `json:"color_1,omitempty"`
	Color2 string `json:"color_2,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Appearance is the visual part of the widget config.
type Appearance struct {
	BgColor      string `json:"bg_color,omitempty"`
	TextColor    string `json:"text_color,omitempty"`
	BtnColor     string `json:"btn_color,omitempty"`
	BtnTextColor string `json:"btn_text_color,omitempty"`
	BorderColor  string `json:"border_color,omitempty"`
	FocusColor   string `json:"focus_color,omitempty"`
	Avatar       Avatar `json:"avatar"`
	FirstMessage string `json:"first_message,omitempty"`
}

// WidgetConfig is the per-agent widget configuration served by
// /api/widget-config.
type WidgetConfig struct {
	AgentID string     `json:"agent_id"`
	Widget  Appearance `json:"widget_config"`
}

// Header is the title/subtitle pair served by /api/config.
type Header struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
}

// DefaultAppearance returns the fallback look.
func DefaultAppearance() Appearance {
	return Appearance{
		BgColor:      "#ffffff",
		TextColor:    "#000000",
		BtnColor:     "#000000",
		BtnTextColor: "#ffffff",
		BorderColor:  "#e1e1e1",
		FocusColor:   "#000000",
		Avatar: Avatar{
			Type:   "orb",
			Color1: "#333333",
			Color2: "#666666",
		},
		FirstMessage: DefaultFirstMessage,
	}
}

// DefaultWidgetConfig returns the fallback widget config for agentID.
func DefaultWidgetConfig(agentID string) WidgetConfig {
	return WidgetConfig{AgentID: agentID, Widget: DefaultAppearance()}
}

// DefaultHeader returns the fallback title and subtitle.
func DefaultHeader() Header {
	return Header{Title: DefaultTitle, Subtitle: DefaultSubtitle}
}

// WithDefaults fills unset fields from DefaultAppearance.
func (a Appearance) WithDefaults() Appearance {
	d := DefaultAppearance()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&a.BgColor, d.BgColor)
	fill(&a.TextColor, d.TextColor)
	fill(&a.BtnColor, d.BtnColor)
	fill(&a.BtnTextColor, d.BtnTextColor)
	fill(&a.BorderColor, d.BorderColor)
	fill(&a.FocusColor, d.FocusColor)
	fill(&a.Avatar.Type, d.Avatar.Type)
	fill(&a.Avatar.Color1, d.Avatar.Color1)
	fill(&a.Avatar.Color2, d.Avatar.Color2)
	fill(&a.FirstMessage, d.FirstMessage)
	return a
}

// Settings is everything the chat surface needs before it can render.
type Settings struct {
	AgentID string       `json:"agentId"`
	Header  Header       `json:"header"`
	Widget  WidgetConfig `json:"widget"`
}

// DefaultSettings returns built-in settings for agentID.
func DefaultSettings(agentID string) Settings {
	return Settings{
		AgentID: agentID,
		Header:  DefaultHeader(),
		Widget:  DefaultWidgetConfig(agentID),
	}
}
