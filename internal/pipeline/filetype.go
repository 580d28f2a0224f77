package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-pipeline/internal/resilience"
)

// MaxDocumentBytes is the largest document the extraction provider accepts.
const MaxDocumentBytes = 50 << 20 // 50 MiB

// supportedTypes maps sniffed MIME types to canonical extensions.
var supportedTypes = map[string]string{
	"application/pdf": "pdf",
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/tiff":      "tiff",
	"image/bmp":       "bmp",
}

// magic holds content signatures checked in order.
var magic = []struct {
	prefix []byte
	mime   string
}{
	{[]byte("%PDF-"), "application/pdf"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
	{[]byte{'I', 'I', 0x2A, 0x00}, "image/tiff"}, // little-endian
	{[]byte{'M', 'M', 0x00, 0x2A}, "image/tiff"}, // big-endian
	{[]byte{'B', 'M'}, "image/bmp"},
}

// detectFileType sniffs the document content and rejects unsupported or
// oversized files. Both rejections are permanent: no retry can fix the
// document itself. URL-only documents carry no bytes to sniff, so the
// file name extension decides for them.
func detectFileType(_ context.Context, state *State) error {
	doc := state.Doc

	if len(doc.Content) == 0 {
		if doc.SourceURL == "" {
			return resilience.NewStepError(resilience.CodeInvalidInput,
				eris.Errorf("pipeline: document %s has no content", doc.ID))
		}
		return detectFromName(state)
	}
	if len(doc.Content) > MaxDocumentBytes {
		return resilience.NewStepError(resilience.CodeFileTooLarge,
			eris.Errorf("pipeline: document %s is %d bytes, limit is %d", doc.ID, len(doc.Content), MaxDocumentBytes))
	}

	mime := sniffMIME(doc.Content)
	ext, ok := supportedTypes[mime]
	if !ok {
		return resilience.NewStepError(resilience.CodeUnsupportedFormat,
			eris.Errorf("pipeline: document %s has unsupported content (declared %q)", doc.ID, doc.ContentType))
	}

	state.FileType = &FileType{MIME: mime, Extension: ext}
	return nil
}

// detectFromName types a URL-only document from its file name extension.
func detectFromName(state *State) error {
	doc := state.Doc
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(doc.FileName)), ".")
	if canonical, ok := extensionAliases[ext]; ok {
		ext = canonical
	}
	for m, e := range supportedTypes {
		if e == ext {
			state.FileType = &FileType{MIME: m, Extension: e}
			return nil
		}
	}
	return resilience.NewStepError(resilience.CodeUnsupportedFormat,
		eris.Errorf("pipeline: document %s has unsupported extension %q", doc.ID, ext))
}

// extensionAliases folds equivalent extensions onto the canonical one.
var extensionAliases = map[string]string{
	"jpeg": "jpg",
	"tif":  "tiff",
}

// sniffMIME matches content signatures. The declared Content-Type is
// deliberately ignored; upstream systems routinely mislabel attachments.
func sniffMIME(content []byte) string {
	for _, m := range magic {
		if bytes.HasPrefix(content, m.prefix) {
			return m.mime
		}
	}
	return "application/octet-stream"
}
