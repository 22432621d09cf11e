// Package blobkey derives deterministic storage keys for ingested files.
package blobkey

import (
	"path/filepath"
	"strings"
)

// Directory names used by Classify.
const (
	DirVideos = "videos"
	DirImages = "images"
	DirAudios = "audios"
	DirOther  = "other"
)

// Classify maps the MIME top-level type of contentType to a directory name.
func Classify(contentType string) string {
	if contentType == "" {
		return DirOther
	}

	top, _, _ := strings.Cut(contentType, "/")
	switch top {
	case "video":
		return DirVideos
	case "image":
		return DirImages
	case "audio":
		return DirAudios
	default:
		return DirOther
	}
}

// Build returns "{category}/{Classify(contentType)}/{fileName}{ext(originalFileName)}".
//
// The result depends only on its arguments, so it can be recomputed later
// to locate an object when its recorded key is not available.
func Build(category, contentType, fileName, originalFileName string) string {
	return category + "/" + Classify(contentType) + "/" + fileName + filepath.Ext(originalFileName)
}
