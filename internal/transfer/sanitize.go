package transfer

import "strings"

// MaxFileSize is the largest file the transfer engine will send or accept
// (§4.3).
const MaxFileSize = 200 * 1024 * 1024

// ChunkSize is the fixed chunk payload size (§4.3).
const ChunkSize = 64 * 1024

// ChunkCount returns the number of chunks for a file of the given size,
// with a single zero-length chunk emitted for an empty file (§4.3).
func ChunkCount(size int64) int {
	if size == 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// SanitizeFileName replaces reserved characters and control codepoints
// with "_", trims the result, and falls back to "arquivo" if empty
// (§4.3).
func SanitizeFileName(name string) string {
	const reserved = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(reserved, r):
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "arquivo"
	}
	return out
}

// AttachmentFileName builds the managed on-disk name
// "<messageId>_<sanitizedName>" (§4.3, §6).
func AttachmentFileName(messageID, originalName string) string {
	return messageID + "_" + SanitizeFileName(originalName)
}
