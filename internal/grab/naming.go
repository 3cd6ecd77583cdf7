package grab

import (
	"mime"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	fallbackName = "screenshot"
	panelName    = "lcdshot"

	// serviceRefFields is how many leading fields of a service reference
	// identify the channel; the rest is path and name noise.
	serviceRefFields = 10

	timestampLayout = "20060102150405"
)

// ServiceRef identifies a tuned service.
type ServiceRef struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
}

// Playback reports what is on screen. A false result means nothing is playing.
type Playback interface {
	Current() (ServiceRef, bool)
	Pip() (ServiceRef, bool)
}

// NamingPolicy derives the file name a capture is advertised under.
// It never fails: anything it cannot resolve falls back to a literal.
type NamingPolicy struct {
	Playback       Playback
	UseChannelName func() bool
	Now            func() time.Time
}

// Name returns the advertised base name without extension.
func (p NamingPolicy) Name(req Request) string {
	base := p.baseName(req)
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return base + "_" + now().Format(timestampLayout)
}

func (p NamingPolicy) baseName(req Request) string {
	if req.Source == SourcePanel {
		return panelName
	}
	if p.Playback == nil {
		return fallbackName
	}

	var (
		svc ServiceRef
		ok  bool
	)
	if req.Source == SourcePiP {
		svc, ok = p.Playback.Pip()
	} else {
		svc, ok = p.Playback.Current()
	}
	if !ok || svc.Ref == "" {
		return fallbackName
	}

	if p.UseChannelName != nil && p.UseChannelName() {
		if name := SanitizeName(svc.Name); name != "" {
			return name
		}
	}
	if short := ShortenRef(svc.Ref); short != "" {
		return short
	}
	return fallbackName
}

// ShortenRef keeps the channel-identifying fields of a service reference
// and joins them with underscores.
func ShortenRef(ref string) string {
	fields := strings.SplitN(ref, ":", serviceRefFields+1)
	if len(fields) > serviceRefFields {
		fields = fields[:serviceRefFields]
	}
	return refReplacer.Replace(strings.Join(fields, "_"))
}

var refReplacer = strings.NewReplacer("/", "_", "\\", "_", " ", "_")

// SanitizeName folds a channel name into something safe for a file name.
// Accents are stripped, separators and punctuation become underscores.
func SanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range norm.NFKD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_.")
}

// ContentDisposition formats the inline disposition header for name.ext.
func ContentDisposition(name string, f Format) string {
	return mime.FormatMediaType("inline", map[string]string{"filename": name + "." + f.Extension()})
}
