package diff

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"calbridge/internal/model"
)

const (
	hashTimeLayout = "2006-01-02T15:04:05Z"
	hashDateLayout = "2006-01-02"
)

// Fields is the tuple that decides visible equality.
type Fields struct {
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

func InstanceFields(in model.Instance) Fields {
	return Fields{
		Summary:     in.Summary,
		Location:    in.Location,
		Description: in.Description,
		Start:       in.Start,
		End:         in.End,
		AllDay:      in.AllDay,
	}
}

func EntityFields(e model.RemoteEntity) Fields {
	return Fields{
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
	}
}

// Fingerprint hashes f over a sorted-key JSON encoding. Timed bounds are
// rendered in UTC and all-day bounds as civil dates so a source instant and
// its remote echo hash identically.
func Fingerprint(f Fields) string {
	doc := map[string]any{
		"summary":     canonicalText(f.Summary),
		"location":    canonicalText(f.Location),
		"description": canonicalText(f.Description),
		"start":       canonicalTime(f.Start, f.AllDay),
		"end":         canonicalTime(f.End, f.AllDay),
		"all_day":     f.AllDay,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a map of strings and a bool cannot fail.
	_ = enc.Encode(doc)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func canonicalText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return norm.NFC.String(strings.TrimSpace(s))
}

func canonicalTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(hashDateLayout)
	}
	return t.UTC().Truncate(time.Second).Format(hashTimeLayout)
}
