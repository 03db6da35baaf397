package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageSize is the largest image payload accepted, in bytes.
const MaxImageSize = 20 << 20

// Image is the source of a caption request: either a reference (http(s) URL
// or data: URL) or raw image bytes. The bytes behind a reference are only
// fetched when an adapter needs them.
type Image struct {
	ref  string
	data []byte
	mime string

	loaded bool
}

// ImageFromRef returns an Image for an http(s) URL or a data: URL.
func ImageFromRef(ref string) *Image {
	return &Image{ref: strings.TrimSpace(ref)}
}

// ImageFromBytes returns an Image for raw image data, such as the contents of
// an uploaded JPEG file.
func ImageFromBytes(data []byte) *Image {
	return &Image{data: data}
}

// IsRemote reports whether the image is an http(s) reference.
func (im *Image) IsRemote() bool {
	return strings.HasPrefix(im.ref, "http://") || strings.HasPrefix(im.ref, "https://")
}

// Source returns the reference the image was created from, or "" when it
// was created from bytes.
func (im *Image) Source() string { return im.ref }

// Ref returns the original reference, or a data: URL when the image was
// created from bytes. Bytes must have been loaded for the latter.
func (im *Image) Ref() string {
	if im.ref != "" {
		return im.ref
	}
	return im.DataURL()
}

// Load makes the image bytes available, fetching remote references with
// client. It is a no-op once the image has been loaded.
func (im *Image) Load(ctx context.Context, client *http.Client) error {
	if im.loaded {
		return nil
	}

	var (
		declared string
		err      error
	)
	switch {
	case im.data != nil:
		// no-op
	case strings.HasPrefix(im.ref, "data:"):
		im.data, declared, err = decodeDataURL(im.ref)
	case im.IsRemote():
		im.data, declared, err = fetchImage(ctx, client, im.ref)
	case im.ref == "":
		err = Errorf(InvalidImageData, "no image provided")
	default:
		err = Errorf(InvalidImageData, "unsupported image reference %q", truncate(im.ref, 32))
	}
	if err != nil {
		return err
	}

	if len(im.data) == 0 {
		return Errorf(InvalidImageData, "image is empty")
	}
	if len(im.data) > MaxImageSize {
		return Errorf(InvalidImageData, "image is %d bytes, the limit is %d", len(im.data), MaxImageSize)
	}

	mt := declared
	if mt == "" {
		mt = mimetype.Detect(im.data).String()
	}
	mt, _, _ = strings.Cut(mt, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if !strings.HasPrefix(mt, "image/") {
		return Errorf(InvalidImageData, "content type %q is not an image", mt)
	}
	im.mime = mt
	im.loaded = true

	return nil
}

// Bytes returns the loaded image data.
func (im *Image) Bytes() []byte { return im.data }

// MIME returns the content type of the loaded image, e.g. "image/jpeg".
func (im *Image) MIME() string { return im.mime }

// Base64 returns the loaded image data as standard base64.
func (im *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(im.data)
}

// DataURL returns the loaded image as a data: URL.
func (im *Image) DataURL() string {
	return "data:" + im.mime + ";base64," + im.Base64()
}

func decodeDataURL(s string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, "", Errorf(InvalidImageData, "malformed data URL")
	}
	mt, params, _ := strings.Cut(meta, ";")
	if !strings.Contains(params, "base64") {
		return nil, "", Errorf(InvalidImageData, "data URL is not base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageSize+3 {
		return nil, "", Errorf(InvalidImageData, "image exceeds %d bytes", MaxImageSize)
	}

	// Standard encoding first, then the unpadded and URL safe variations
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(payload); err == nil {
			return b, mt, nil
		}
	}
	return nil, "", Errorf(InvalidImageData, "malformed base64 image data")
}

func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &Error{Code: InvalidImageData, Message: "invalid image URL", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", &Error{Code: NetworkFailure, Message: fmt.Sprintf("failed to fetch image: %s", err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &Error{
			Code:    InvalidImageData,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("failed to fetch image: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return nil, "", Errorf(InvalidImageData, "content type %q is not an image", ct)
	}

	// Read one byte past the limit so oversized bodies can be detected
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, "", &Error{Code: NetworkFailure, Message: fmt.Sprintf("failed to read image: %s", err), Err: err}
	}
	return data, ct, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
