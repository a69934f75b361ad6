package utils

import (
	"path"
	"path/filepath"
	"strings"
)

// MakeCleanPath returns the shortest equivalent of the given local path
func MakeCleanPath(p string) string {
	return filepath.Clean(p)
}

// GetDirName returns the directory part of the given local path
func GetDirName(p string) string {
	return filepath.Dir(p)
}

// GetFileName returns the last element of the given local path
func GetFileName(p string) string {
	return filepath.Base(p)
}

// JoinPath joins a directory and a file name
func JoinPath(dirPath string, name string) string {
	return filepath.Join(dirPath, name)
}

// GetIRODSDirName returns the collection part of the given iRODS path
// iRODS paths always use '/' regardless of the local OS
func GetIRODSDirName(p string) string {
	return path.Dir(p)
}

// GetIRODSFileName returns the last element of the given iRODS path
func GetIRODSFileName(p string) string {
	return path.Base(p)
}

// MakeIRODSCleanPath returns a clean absolute iRODS path
func MakeIRODSCleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
