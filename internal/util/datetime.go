package util

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// UploadTimeLayout prefixes downloaded file names so they sort chronologically.
	UploadTimeLayout = "20060102_150405"
	// ObservedTimeLayout is the "Creation Time" column format of the dedup table.
	ObservedTimeLayout = "2006-01-02 15:04:05"
	// DefaultExtension is used when an attachment name carries no extension.
	DefaultExtension = ".txt"
)

var unsafePathChars *regexp.Regexp

func init() {
	// Characters that are not allowed in a directory name on at least one supported OS.
	unsafePathChars = regexp.MustCompile(`[\\/:*?"<>|]`)
}

// LoadLocation resolves an IANA zone name. An empty name means the process local zone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone '%s': %w", name, err)
	}
	return loc, nil
}

// SanitizeName replaces path-unsafe characters with underscores.
func SanitizeName(name string) string {
	return unsafePathChars.ReplaceAllString(name, "_")
}

// DestinationName builds "<upload_time>_<stem><ext>" for an attachment.
// A missing attachment name falls back to "<messageID>.txt"; a missing extension to ".txt".
func DestinationName(authoredAt time.Time, loc *time.Location, attachmentName, messageID string) string {
	name := filepath.Base(attachmentName)
	if attachmentName == "" || name == "." || name == string(filepath.Separator) {
		name = messageID + DefaultExtension
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = DefaultExtension
	}
	return fmt.Sprintf("%s_%s%s", authoredAt.In(loc).Format(UploadTimeLayout), SanitizeName(stem), ext)
}

// FormatObserved renders t in loc using the table's timestamp layout.
func FormatObserved(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(ObservedTimeLayout)
}
