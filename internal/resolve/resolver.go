package resolve

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/sources"
)

// NYC bounding box used as the first validation gate on geocode results.
const (
	nycLatMin = 40.4774
	nycLatMax = 40.9176
	nycLngMin = -74.2591
	nycLngMax = -73.7003
)

// maxLocations caps how many locations one session can track.
const maxLocations = 3

var boroughTokens = []string{
	"manhattan", "brooklyn", "queens", "bronx", "staten island", "new york",
}

// nycZipPrefixes covers the five boroughs' ZIP ranges.
var nycZipPrefixes = []string{"100", "101", "102", "103", "104", "110", "111", "112", "113", "114", "116"}

var streetTokens = []string{"st", "ave", "avenue", "blvd", "rd", "dr", "pl", "ln", "pkwy", "sq", "street", "broadway"}

var (
	zipRe   = regexp.MustCompile(`^\d{5}$`)
	digitRe = regexp.MustCompile(`\d`)
)

// Resolver turns free-text location input into validated in-bounds NYC
// places. Resolution happens fresh every turn; only the signal fetches behind
// it are cached.
type Resolver struct {
	Places sources.PlacesProvider
	Logger *log.Logger
}

// Result carries the accepted locations and the inputs that failed, in order.
type Result struct {
	Resolved []signal.ResolvedLocation
	Invalid  []string
}

func looksLikeZip(s string) bool {
	return zipRe.MatchString(s)
}

func hasNYCZipPrefix(s string) bool {
	for _, p := range nycZipPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasStreetToken(s string) bool {
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,")
		for _, st := range streetTokens {
			if tok == st {
				return true
			}
		}
	}
	return false
}

// passesNoiseFilter is the pre-lookup gate: it spends zero provider calls on
// inputs too short to plausibly name a place.
func passesNoiseFilter(s string) bool {
	if len(s) >= 3 {
		return true
	}
	if looksLikeZip(s) {
		return true
	}
	return digitRe.MatchString(s) && hasStreetToken(s)
}

// segmentIsAddressPart reports whether a comma segment looks like the tail of
// a single address (state token or ZIP) rather than a separate location.
func segmentIsAddressPart(seg string) bool {
	seg = strings.TrimSpace(seg)
	lower := strings.ToLower(seg)
	if lower == "ny" || lower == "new york" || lower == "nyc" {
		return true
	}
	fields := strings.Fields(seg)
	for _, f := range fields {
		if looksLikeZip(f) {
			return true
		}
	}
	return len(fields) > 0 && strings.EqualFold(fields[0], "ny")
}

// SplitCandidates breaks combined free text into individual location
// candidates. Newlines and semicolons always separate; commas separate only
// when no segment looks like an address continuation, so a full street
// address stays in one piece.
func SplitCandidates(raw string) []string {
	var parts []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ';' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, ",") {
			parts = append(parts, line)
			continue
		}
		segs := strings.Split(line, ",")
		addressLike := false
		for _, seg := range segs[1:] {
			if segmentIsAddressPart(seg) {
				addressLike = true
				break
			}
		}
		if addressLike {
			parts = append(parts, line)
			continue
		}
		for _, seg := range segs {
			if seg = strings.TrimSpace(seg); seg != "" {
				parts = append(parts, seg)
			}
		}
	}
	return parts
}

func inNYCBounds(lat, lng float64) bool {
	return lat >= nycLatMin && lat <= nycLatMax && lng >= nycLngMin && lng <= nycLngMax
}

// addressLooksNYC requires an NY state token plus either a borough token or
// an in-range ZIP prefix. Bounding-box checks alone let through provider
// false positives just outside the metro core.
func addressLooksNYC(address string) bool {
	lower := strings.ToLower(address)
	if !strings.Contains(lower, " ny") && !strings.Contains(lower, "new york") {
		return false
	}
	for _, b := range boroughTokens {
		if strings.Contains(lower, b) {
			return true
		}
	}
	for _, f := range strings.Fields(address) {
		f = strings.Trim(f, ".,")
		if looksLikeZip(f) && hasNYCZipPrefix(f) {
			return true
		}
	}
	return false
}

// Resolve maps raw inputs to validated locations. Inputs that fail the noise
// filter, the lookup, or NYC validation are reported in Invalid rather than
// silently dropped. Never returns more than three resolved locations.
func (r *Resolver) Resolve(ctx context.Context, rawInputs []string) Result {
	var candidates []string
	seen := map[string]bool{}
	for _, raw := range rawInputs {
		for _, c := range SplitCandidates(raw) {
			lower := strings.ToLower(c)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			candidates = append(candidates, c)
		}
	}
	if len(candidates) > maxLocations {
		candidates = candidates[:maxLocations]
	}

	var out Result
	for _, c := range candidates {
		if !passesNoiseFilter(c) {
			out.Invalid = append(out.Invalid, c)
			continue
		}
		loc, ok := r.lookup(ctx, c)
		if !ok {
			out.Invalid = append(out.Invalid, c)
			continue
		}
		out.Resolved = append(out.Resolved, loc)
	}
	return out
}

func (r *Resolver) lookup(ctx context.Context, candidate string) (signal.ResolvedLocation, bool) {
	query := candidate
	if !strings.Contains(strings.ToLower(candidate), "new york") {
		query = candidate + ", New York, NY"
	}
	places, err := r.Places.Search(ctx, query)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Printf("[RESOLVE] search %q failed: %v", candidate, err)
		}
		return signal.ResolvedLocation{}, false
	}
	for _, p := range places {
		if !inNYCBounds(p.Lat, p.Lng) {
			continue
		}
		if !addressLooksNYC(p.Address) {
			continue
		}
		return signal.ResolvedLocation{
			Label:   candidate,
			PlaceID: p.PlaceID,
			Lat:     p.Lat,
			Lng:     p.Lng,
			Address: p.Address,
			InNYC:   true,
		}, true
	}
	return signal.ResolvedLocation{}, false
}
