package blobstore

import "strings"

// objectURL joins base, container and key with single slashes.
// An empty container is skipped.
func objectURL(base, container, key string) string {
	parts := make([]string, 0, 3)
	if base = strings.TrimRight(base, "/"); base != "" {
		parts = append(parts, base)
	}
	if container = strings.Trim(container, "/"); container != "" {
		parts = append(parts, container)
	}
	parts = append(parts, strings.TrimLeft(key, "/"))
	return strings.Join(parts, "/")
}

// ObjectURL is objectURL for callers that resolve URLs from a configured base.
func ObjectURL(base, container, key string) string {
	return objectURL(base, container, key)
}
