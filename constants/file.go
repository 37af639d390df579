package constants

import (
	"bytes"
	"strings"
)

// File extensions used across the storage namespaces.
const (
	PDFExt = ".pdf"
	TxtExt = ".txt"
)

// pdfSignature is the magic prefix every PDF starts with.
var pdfSignature = []byte("%PDF-")

// DefaultMaxUploadBytes caps uploaded documents at 10 MiB.
const DefaultMaxUploadBytes int64 = 10 << 20

// HasPDFExt checks the filename extension, case-insensitively.
func HasPDFExt(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), PDFExt)
}

// HasPDFSignature sniffs the binary signature of an uploaded document.
func HasPDFSignature(data []byte) bool {
	return bytes.HasPrefix(data, pdfSignature)
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
