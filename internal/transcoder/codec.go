package transcoder

import "strings"

// negotiateMIME returns the first entry of preference the host supports.
func negotiateMIME(host Host, preference []string) (string, bool) {
	for _, mimeType := range preference {
		if host.SupportsMIME(mimeType) {
			return mimeType, true
		}
	}
	return "", false
}

// ContainerOf strips codec parameters: "video/webm;codecs=vp9" -> "video/webm".
func ContainerOf(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.TrimSpace(strings.ToLower(mimeType))
}

// CodecsOf returns the codecs parameter of mimeType, if any.
func CodecsOf(mimeType string) []string {
	i := strings.IndexByte(mimeType, ';')
	if i < 0 {
		return nil
	}
	for _, param := range strings.Split(mimeType[i+1:], ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "codecs") {
			continue
		}
		value = strings.Trim(value, `"`)
		var codecs []string
		for _, c := range strings.Split(value, ",") {
			if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
				codecs = append(codecs, c)
			}
		}
		return codecs
	}
	return nil
}

// ExtensionOf maps a negotiated MIME type to a file extension.
func ExtensionOf(mimeType string) string {
	switch ContainerOf(mimeType) {
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	}
	return ".bin"
}
