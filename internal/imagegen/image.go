package imagegen

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
)

// maxImageBytes caps fetched garment and model images.
const maxImageBytes = 20 << 20

// Image is raw image bytes plus their sniffed MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// DataURL encodes img as a data: URL, the ref format rendered images use.
func (img Image) DataURL() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ParseDataURL decodes a base64 data: URL.
func ParseDataURL(ref string) (Image, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return Image{}, errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return Image{}, errors.New("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, errors.Wrap(err, "decode data URL")
	}
	return sniff(data, strings.TrimSuffix(meta, ";base64"))
}

// Loader resolves image refs to bytes. Refs are data URLs or http(s) URLs.
type Loader struct {
	Client *http.Client
}

// Load fetches or decodes ref.
func (l Loader) Load(ctx context.Context, ref string) (Image, error) {
	if strings.HasPrefix(ref, "data:") {
		return ParseDataURL(ref)
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return Image{}, errors.Errorf("unsupported image ref %q", truncate(ref))
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Image{}, errors.Wrap(err, "build image request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return Image{}, errors.Wrap(err, "fetch image")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Image{}, errors.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, errors.Wrap(err, "read image")
	}
	return sniff(data, resp.Header.Get("Content-Type"))
}

// LoadFile reads a local image, e.g. a photo picked in the terminal UI.
func LoadFile(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, errors.Wrap(err, "open image")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes))
	if err != nil {
		return Image{}, errors.Wrap(err, "read image")
	}
	return sniff(data, "")
}

// sniff trusts the content, not the declared type.
func sniff(data []byte, declared string) (Image, error) {
	if len(data) == 0 {
		return Image{}, errors.New("empty image")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, errors.Errorf("not an image: detected %s, declared %q", mt.String(), declared)
	}
	return Image{Data: data, MIMEType: baseType(mt.String())}, nil
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		return mime[:i]
	}
	return mime
}

func truncate(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}
