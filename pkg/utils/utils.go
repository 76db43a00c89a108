package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// Truncate shortens s to at most maxLen runes, appending an ellipsis marker
// when truncation occurs. Safe for maxLen <= 0 (returns empty string).
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// DownloadOptions configures DownloadFile's logging behavior.
type DownloadOptions struct {
	LoggerPrefix string
	Timeout      time.Duration
}

// DownloadFile fetches url and writes it to filename, returning the local
// path on success or an empty string on failure (errors are logged, not
// returned, matching channel-adapter call sites that treat download failure
// as "skip this attachment").
func DownloadFile(url, filename string, opts DownloadOptions) string {
	prefix := opts.LoggerPrefix
	if prefix == "" {
		prefix = "download"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		logger.WarnCF(prefix, "download failed", map[string]interface{}{"url": url, "error": err.Error()})
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WarnCF(prefix, "download returned non-200", map[string]interface{}{"url": url, "status": resp.StatusCode})
		return ""
	}

	if dir := filepath.Dir(filename); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.WarnCF(prefix, "failed to create download directory", map[string]interface{}{"dir": dir, "error": err.Error()})
			return ""
		}
	}

	out, err := os.Create(filename)
	if err != nil {
		logger.WarnCF(prefix, "failed to create download file", map[string]interface{}{"path": filename, "error": err.Error()})
		return ""
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		logger.WarnCF(prefix, "failed to write download file", map[string]interface{}{"path": filename, "error": err.Error()})
		return ""
	}

	return filename
}

// FormatBytes renders a byte count in human-readable binary units
// (B, KiB, MiB, GiB, ...).
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for nn := n / unit; nn >= unit; nn /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
