// Package intel normalises indicators of compromise from heterogeneous
// feeds into one canonical record shape at the ingest boundary.
package intel

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// IOCType classifies an indicator.
type IOCType string

const (
	TypeIPv4          IOCType = "ipv4"
	TypeIPv6          IOCType = "ipv6"
	TypeDomain        IOCType = "domain"
	TypeURL           IOCType = "url"
	TypeHash          IOCType = "hash"
	TypeFile          IOCType = "file"
	TypeMalwareFamily IOCType = "malware_family"
	TypeUnknown       IOCType = "unknown"
)

var validTypes = map[IOCType]bool{
	TypeIPv4: true, TypeIPv6: true, TypeDomain: true, TypeURL: true,
	TypeHash: true, TypeFile: true, TypeMalwareFamily: true, TypeUnknown: true,
}

// IOC is the canonical indicator record. Feed records decode straight
// into it; Normalize fills the gaps a feed left open.
type IOC struct {
	Value       string          `json:"value"`
	Type        IOCType         `json:"type"`
	Source      string          `json:"source"`
	SourceID    string          `json:"source_id"`
	FirstSeen   string          `json:"first_seen"`
	LastSeen    string          `json:"last_seen"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Confidence  int             `json:"confidence"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

var (
	hashRe    = regexp.MustCompile(`^[0-9a-f]{32}$|^[0-9a-f]{40}$|^[0-9a-f]{64}$`)
	domainRe  = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)
	fileExtRe = regexp.MustCompile(`\.(exe|dll|sys|bat|cmd|ps1|vbs|js|jar|scr|bin|elf|so|sh|docm?|xlsm?|pdf|zip|rar|7z|iso|lnk)$`)
)

// InferType classifies a raw indicator value. The value is expected to
// be trimmed and lowercased already; Normalize does that. Filenames are
// checked before domains because a name like "invoice.exe" also parses
// as a hostname. Anything unclassifiable is unknown, never an error.
func InferType(value string) IOCType {
	if ip := net.ParseIP(value); ip != nil {
		if ip.To4() != nil {
			return TypeIPv4
		}
		return TypeIPv6
	}
	switch {
	case strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://"):
		return TypeURL
	case hashRe.MatchString(value):
		return TypeHash
	case strings.ContainsAny(value, `/\`) || fileExtRe.MatchString(value):
		return TypeFile
	case domainRe.MatchString(value):
		return TypeDomain
	default:
		return TypeUnknown
	}
}

// Normalize canonicalises a feed record in place: trims and lowercases
// the value, infers the type when the feed stated none (a declared type
// outside the enum degrades to unknown), clamps confidence into
// [0,100], and stamps first_seen when the feed omitted it. Timestamps
// the feed did provide must be RFC3339 and are re-emitted in UTC.
func Normalize(in *IOC, now func() time.Time) error {
	in.Value = strings.ToLower(strings.TrimSpace(in.Value))
	if in.Value == "" {
		return fmt.Errorf("intel: empty indicator value")
	}
	if in.Type == "" {
		in.Type = InferType(in.Value)
	} else if !validTypes[in.Type] {
		in.Type = TypeUnknown
	}
	if in.Confidence < 0 {
		in.Confidence = 0
	}
	if in.Confidence > 100 {
		in.Confidence = 100
	}
	if in.FirstSeen == "" {
		in.FirstSeen = now().UTC().Format(time.RFC3339)
	} else {
		ts, err := time.Parse(time.RFC3339, in.FirstSeen)
		if err != nil {
			return fmt.Errorf("intel: first_seen: %w", err)
		}
		in.FirstSeen = ts.UTC().Format(time.RFC3339)
	}
	if in.LastSeen != "" {
		ts, err := time.Parse(time.RFC3339, in.LastSeen)
		if err != nil {
			return fmt.Errorf("intel: last_seen: %w", err)
		}
		in.LastSeen = ts.UTC().Format(time.RFC3339)
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	return nil
}
