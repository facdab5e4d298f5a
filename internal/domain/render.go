package domain

import "strings"

var namePlaceholders = []string{"{{name}}", "{name}"}

// DisplayName picks the caller-supplied name, then the gateway-resolved one,
// then the configured default.
func DisplayName(r Recipient, p Personalization) string {
	switch {
	case strings.TrimSpace(r.Name) != "":
		return r.Name
	case strings.TrimSpace(r.ResolvedName) != "":
		return r.ResolvedName
	}
	return p.DefaultName
}

// Render personalizes the text and caption of content for r.
func Render(content MessageContent, r Recipient, p Personalization) MessageContent {
	if !p.Enabled {
		return content
	}
	name := DisplayName(r, p)
	content.Text = substitute(content.Text, name)
	content.Caption = substitute(content.Caption, name)
	return content
}

func substitute(s, name string) string {
	if s == "" {
		return s
	}
	for _, ph := range namePlaceholders {
		s = strings.ReplaceAll(s, ph, name)
	}
	return s
}
