package grab

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Format is the image encoding requested from the capture binary.
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatBMP  Format = "bmp"
)

// ParseFormat narrows caller input to a supported format. A missing value
// means jpeg; anything unrecognised falls back to bmp.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "", "jpg", "jpeg":
		return FormatJPEG
	case "png":
		return FormatPNG
	default:
		return FormatBMP
	}
}

// Extension is the file extension advertised to the client.
func (f Format) Extension() string {
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "image/bmp"
	}
}

// Source is the screen layer being captured.
type Source int

const (
	SourceDefault Source = iota
	SourceOSD
	SourceVideo
	SourcePiP
	SourcePanel
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceOSD:
		return "osd"
	case SourceVideo:
		return "video"
	case SourcePiP:
		return "pip"
	case SourcePanel:
		return "panel"
	default:
		return "unknown"
	}
}

// Request is a validated description of one capture.
type Request struct {
	Format Format
	Scale  int // 0 leaves the size to the capture binary
	Source Source

	// PipSubIndex selects the secondary decoder; only set for SourcePiP.
	PipSubIndex int
}

// ParseRequest builds a Request from query parameters. Only a malformed r
// is an error; every other value is narrowed to a supported one. pipShown
// reports whether a secondary view is currently visible.
func ParseRequest(q url.Values, pipShown bool) (Request, error) {
	req := Request{Format: ParseFormat(q.Get("format"))}

	if r := q.Get("r"); r != "" {
		scale, err := strconv.Atoi(strings.TrimSpace(r))
		if err != nil {
			return Request{}, newCaptureError(ErrValidation, fmt.Errorf("r=%q is not a number", r))
		}
		if scale <= 0 {
			return Request{}, newCaptureError(ErrValidation, fmt.Errorf("r=%d must be positive", scale))
		}
		req.Scale = scale
	}

	switch q.Get("mode") {
	case "osd":
		req.Source = SourceOSD
	case "video":
		req.Source = SourceVideo
	case "pip":
		if pipShown {
			req.Source = SourcePiP
			req.PipSubIndex = 1
		} else {
			req.Source = SourceVideo
		}
	case "lcd":
		req.Source = SourcePanel
		req.Format = FormatPNG
	}

	return req, nil
}
