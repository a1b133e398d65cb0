package tub

import (
	"fmt"
	"log/slog"
	"strings"
)

const urlScheme = "pb://"

// URL addresses one capability: the Tub holding it, hints about where that
// Tub listens, and the capability itself.
//
// Its text form is `pb://<tubid>@<location>[,<location>...]/<capability>`
// and is meant to be shared out of band to bootstrap a first connection.
// Whoever holds it holds the authority it names.
type URL struct {
	TubID      TubID
	Locations  []string
	Capability CapabilityID
}

// ParseURL parses the text form of a [URL].
func ParseURL(raw string) (URL, error) {
	rest, ok := strings.CutPrefix(raw, urlScheme)
	if !ok {
		return URL{}, fmt.Errorf("%w: missing %q scheme", ErrInvalidURL, urlScheme)
	}

	id, rest, ok := strings.Cut(rest, "@")
	if !ok || id == "" || strings.Contains(id, "/") {
		return URL{}, fmt.Errorf("%w: missing tub id", ErrInvalidURL)
	}

	hints, capability, ok := strings.Cut(rest, "/")
	if !ok || capability == "" || strings.Contains(capability, "/") {
		return URL{}, fmt.Errorf("%w: missing capability", ErrInvalidURL)
	}

	u := URL{
		TubID:      TubID(id),
		Capability: CapabilityID(capability),
	}
	if hints != "" {
		for _, hint := range strings.Split(hints, ",") {
			if hint == "" {
				return URL{}, fmt.Errorf("%w: empty location hint", ErrInvalidURL)
			}
			u.Locations = append(u.Locations, hint)
		}
	}
	return u, nil
}

func (u URL) String() string {
	if u.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s%s@%s/%s", urlScheme, u.TubID, strings.Join(u.Locations, ","), u.Capability)
}

func (u URL) IsZero() bool {
	return u.TubID == "" || u.Capability == ""
}

// LogValue leaves the capability out, logs must not leak authority.
func (u URL) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tub_id", string(u.TubID)),
		slog.String("locations", strings.Join(u.Locations, ",")),
	)
}
