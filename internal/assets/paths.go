package assets

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"retrain/internal/services"
)

const (
	documentSuffix = "_complete.json"
	tmpSuffix      = ".tmp"
	backupSuffix   = ".backup"
	lockSuffix     = ".lock"
)

var subjectCaser = cases.Lower(language.Und)

// NormalizeSubject returns the canonical document key for subject: trimmed,
// lower-cased, with pair separators folded to '-'. Subjects that would escape
// the assets directory are rejected.
func NormalizeSubject(subject string) (string, error) {
	key := strings.TrimSpace(subject)
	if key == "" {
		return "", services.Wrap(services.ErrValidation, "assets", "subject", "subject is required", nil)
	}
	key = subjectCaser.String(key)
	key = strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(key)
	if key == "." || key == ".." || strings.ContainsAny(key, "\x00:") {
		return "", services.Wrap(services.ErrValidation, "assets", "subject", fmt.Sprintf("invalid subject %q", subject), nil)
	}
	return key, nil
}

func (s *Store) documentPath(key string) string {
	return filepath.Join(s.dir, key+documentSuffix)
}

// subjectFromFilename extracts the document key from a consolidated filename.
func subjectFromFilename(name string) (string, bool) {
	if !strings.HasSuffix(name, documentSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(name, documentSuffix)
	if key == "" {
		return "", false
	}
	return key, true
}
