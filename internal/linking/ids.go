package linking

import (
	"fmt"
	"strings"
	"unicode"
)

// KGSource is the knowledge graph the query entities come from.
type KGSource string

const (
	KGWikidata KGSource = "wikidata"
	KGDBpedia  KGSource = "dbpedia"
)

// ParseKGSource parses a knowledge-graph source name.
func ParseKGSource(s string) (KGSource, error) {
	switch KGSource(strings.ToLower(strings.TrimSpace(s))) {
	case KGWikidata, "":
		return KGWikidata, nil
	case KGDBpedia:
		return KGDBpedia, nil
	default:
		return "", fmt.Errorf("unknown knowledge graph source %q (want wikidata or dbpedia)", s)
	}
}

// IDNormalizer maps a store-side cross-reference to the id space of the
// query entities.
type IDNormalizer func(raw string) string

// NewIDNormalizer returns the normalizer for src.
func NewIDNormalizer(src KGSource) IDNormalizer {
	switch src {
	case KGDBpedia:
		return normalizeDBpedia
	default:
		return strings.TrimSpace
	}
}

// normalizeDBpedia turns a wikipedia tag such as "en:Brandenburg Gate"
// into the DBpedia resource name "Brandenburg_Gate".
func normalizeDBpedia(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, ':'); i >= 2 && i <= 3 && isLangCode(s[:i]) {
		s = s[i+1:]
	}
	return strings.ReplaceAll(s, " ", "_")
}

func isLangCode(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
