package handler

import "strconv"

const bytesPerMB = 1024 * 1024

// UploadLimitBytes converts a configured megabyte limit; zero or less means unlimited.
func UploadLimitBytes(mb int64) int64 {
	if mb <= 0 {
		return 0
	}
	return mb * bytesPerMB
}

// formatUploadLimit rounds down to whole megabytes but never reports less than 1MB.
func formatUploadLimit(limit int64) string {
	if limit <= 0 {
		return "0MB"
	}
	return strconv.FormatInt(max(limit/bytesPerMB, 1), 10) + "MB"
}
