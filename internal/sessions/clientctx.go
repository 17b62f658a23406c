package sessions

import (
	"strings"

	ua "github.com/mileusna/useragent"

	"github.com/aura-webinar/engagement/internal/models"
)

// NewClientContext captures the caller's address and parses its user agent.
func NewClientContext(ip, userAgent string) models.ClientContext {
	return models.ClientContext{
		IPAddress: ip,
		UserAgent: userAgent,
		Device:    ParseDevice(userAgent),
	}
}

// ParseDevice extracts browser, OS and device class from a User-Agent string.
func ParseDevice(userAgent string) models.DeviceInfo {
	if strings.TrimSpace(userAgent) == "" {
		return models.DeviceInfo{Browser: "Unknown", OS: "Unknown", DeviceType: "desktop"}
	}
	parsed := ua.Parse(userAgent)

	info := models.DeviceInfo{
		Browser:    strings.TrimSpace(parsed.Name),
		OS:         strings.TrimSpace(parsed.OS),
		DeviceType: "desktop",
		IsMobile:   parsed.Mobile || parsed.Tablet,
	}
	if info.Browser == "" {
		info.Browser = "Unknown"
	}
	if info.OS == "" {
		info.OS = "Unknown"
	}
	switch {
	case parsed.Bot:
		info.DeviceType = "bot"
	case parsed.Tablet:
		info.DeviceType = "tablet"
	case parsed.Mobile:
		info.DeviceType = "mobile"
	}
	return info
}
