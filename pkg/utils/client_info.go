package utils

import (
	"strings"

	"github.com/mssola/useragent"
)

// ClientInfo is a parsed summary of a raw User-Agent string. It is stored in
// the consent record metadata so compliance exports remain readable after
// browser version churn.
type ClientInfo struct {
	Browser  string `json:"browser"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Bot      bool   `json:"bot,omitempty"`
}

// SummarizeUserAgent parses a raw User-Agent header into a ClientInfo.
// Unrecognized or empty input yields "unknown" fields rather than an error.
func SummarizeUserAgent(raw string) ClientInfo {
	info := ClientInfo{Browser: UnknownValue, OS: UnknownValue, Platform: "desktop"}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == UnknownValue {
		return info
	}

	ua := useragent.New(raw)
	if browser, _ := ua.Browser(); browser != "" {
		info.Browser = strings.ToLower(browser)
	}
	if os := ua.OS(); os != "" {
		info.OS = strings.ToLower(os)
	}
	if ua.Mobile() {
		info.Platform = "mobile"
	}
	info.Bot = ua.Bot()
	return info
}
