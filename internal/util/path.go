package util

import "strings"

// ArchiveName derives the uploaded archive name from the source folder
// name and the container extension (e.g. "tar.xz"). The derivation is
// deterministic so repeated runs against the same folder produce the
// same object name.
func ArchiveName(folderName, extension string) string {
	name := SanitizeName(folderName)
	if name == "" {
		name = "archive"
	}
	if extension == "" {
		return name
	}
	return name + "." + strings.TrimPrefix(extension, ".")
}

// SanitizeName strips path separators and relative-path tokens from a
// remote display name so it cannot escape or nest in the destination.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
