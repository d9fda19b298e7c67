package worker

import (
	"net/http"
	"path"
	"strings"
)

// Destination 是请求资源类型的封闭枚举，在边界处判定一次后不再变化。
type Destination uint8

const (
	DestinationOther Destination = iota
	DestinationDocument
	DestinationImage
	DestinationStyle
	DestinationScript
	DestinationFont
)

var destinationNames = [...]string{
	DestinationOther:    "other",
	DestinationDocument: "document",
	DestinationImage:    "image",
	DestinationStyle:    "style",
	DestinationScript:   "script",
	DestinationFont:     "font",
}

func (d Destination) String() string {
	if int(d) < len(destinationNames) {
		return destinationNames[d]
	}
	return "other"
}

// ParseDestination 将 Sec-Fetch-Dest 取值映射为 Destination，未知值归为 other。
func ParseDestination(raw string) Destination {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "document":
		return DestinationDocument
	case "image":
		return DestinationImage
	case "style":
		return DestinationStyle
	case "script":
		return DestinationScript
	case "font":
		return DestinationFont
	default:
		return DestinationOther
	}
}

var extensionDestinations = map[string]Destination{
	".png":   DestinationImage,
	".jpg":   DestinationImage,
	".jpeg":  DestinationImage,
	".gif":   DestinationImage,
	".webp":  DestinationImage,
	".avif":  DestinationImage,
	".svg":   DestinationImage,
	".ico":   DestinationImage,
	".css":   DestinationStyle,
	".js":    DestinationScript,
	".mjs":   DestinationScript,
	".woff":  DestinationFont,
	".woff2": DestinationFont,
	".ttf":   DestinationFont,
	".otf":   DestinationFont,
	".eot":   DestinationFont,
	".html":  DestinationDocument,
	".htm":   DestinationDocument,
}

// Classify 判定请求的 Destination。浏览器发送的 Sec-Fetch-Dest 优先；
// 缺失时（curl、旧客户端）依次参考导航模式、扩展名与 Accept 头。
func Classify(urlPath string, header http.Header) Destination {
	if raw := header.Get("Sec-Fetch-Dest"); raw != "" && !strings.EqualFold(raw, "empty") {
		return ParseDestination(raw)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}
	if header.Get("Sec-Fetch-Dest") != "" {
		// empty：fetch()/XHR 发起的请求
		return DestinationOther
	}
	if dest, ok := extensionDestinations[strings.ToLower(path.Ext(urlPath))]; ok {
		return dest
	}
	if strings.Contains(header.Get("Accept"), "text/html") {
		return DestinationDocument
	}
	return DestinationOther
}
