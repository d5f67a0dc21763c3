package session

import (
	"path/filepath"
	"strings"
)

const fileExt = ".jsonl"

// unsafeChars are replaced in file names so any key maps to a valid path.
const unsafeChars = `<>:"/\|?*`

// FileName returns the file name used to persist key. The key separator
// ':' becomes '_' and filesystem-unsafe characters are replaced the same way.
func FileName(key string) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(unsafeChars, r) {
			return '_'
		}
		return r
	}, key)
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" {
		name = "_"
	}
	return name + fileExt
}

// keyFromFileName inverts FileName for files written without a stored key.
// The mapping is lossy: every '_' is read back as ':'.
func keyFromFileName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), fileExt)
	return strings.ReplaceAll(stem, "_", ":")
}
