package linking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/store"
)

// TagRules select which store attributes describe a candidate.
type TagRules struct {
	// TagsKey is the attribute holding the raw key-value tag container.
	TagsKey string `yaml:"tags_key"`

	// Reserved top-level attributes are never summarised.
	Reserved []string `yaml:"reserved"`

	// DenyKeys and DenyPrefixes filter entries of the tag container.
	DenyKeys     []string `yaml:"deny_keys"`
	DenyPrefixes []string `yaml:"deny_prefixes"`
}

// DefaultTagRules reserves geometry, identifier, tag container and the
// known-ID column of layout. Cross-reference tags would leak the label, and
// osm_ tags only carry import metadata.
func DefaultTagRules(layout store.Layout) TagRules {
	return TagRules{
		TagsKey:      layout.TagsColumn,
		Reserved:     []string{layout.GeometryColumn, layout.IDColumn, layout.TagsColumn, layout.KnownIDColumn},
		DenyKeys:     []string{"wikidata", "wikipedia"},
		DenyPrefixes: []string{"osm_"},
	}
}

// TagSummarizer turns a store row into the filtered tag bag and its string
// representation. It is immutable and safe for concurrent use.
type TagSummarizer struct {
	format       domain.TagFormat
	tagsKey      string
	reserved     map[string]bool
	deny         map[string]bool
	denyPrefixes []string
}

// NewTagSummarizer builds a summarizer for format.
func NewTagSummarizer(rules TagRules, format domain.TagFormat) *TagSummarizer {
	s := &TagSummarizer{
		format:       format,
		tagsKey:      rules.TagsKey,
		reserved:     make(map[string]bool, len(rules.Reserved)),
		deny:         make(map[string]bool, len(rules.DenyKeys)),
		denyPrefixes: append([]string(nil), rules.DenyPrefixes...),
	}
	for _, k := range rules.Reserved {
		s.reserved[k] = true
	}
	s.reserved[rules.TagsKey] = true
	for _, k := range rules.DenyKeys {
		s.deny[k] = true
	}
	return s
}

type tagPair struct {
	key   string
	value any
}

// pairs lists top-level attributes first, then entries of the tag
// container, each group in key order. Null values are skipped.
func (s *TagSummarizer) pairs(attrs map[string]any) []tagPair {
	var top, nested []tagPair
	for k, v := range attrs {
		if v == nil || s.reserved[k] {
			continue
		}
		top = append(top, tagPair{k, v})
	}
	if container, ok := attrs[s.tagsKey].(map[string]any); ok {
		for k, v := range container {
			if v == nil || s.denied(k) {
				continue
			}
			nested = append(nested, tagPair{k, v})
		}
	}
	sortPairs(top)
	sortPairs(nested)
	return append(top, nested...)
}

func (s *TagSummarizer) denied(key string) bool {
	if s.deny[key] {
		return true
	}
	for _, p := range s.denyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func sortPairs(p []tagPair) {
	sort.Slice(p, func(i, j int) bool { return p[i].key < p[j].key })
}

// Summarize returns the filtered tag bag and its representation in the
// configured format.
func (s *TagSummarizer) Summarize(attrs map[string]any) (map[string]string, string, error) {
	pairs := s.pairs(attrs)

	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		tags[p.key] = stringify(p.value)
	}

	switch s.format {
	case domain.TagFormatJSON:
		summary, err := jsonSummary(pairs)
		if err != nil {
			return nil, "", err
		}
		return tags, summary, nil
	default:
		parts := make([]string, 0, 2*len(pairs))
		for _, p := range pairs {
			parts = append(parts, p.key, stringify(p.value))
		}
		summary := strings.Join(parts, " ")
		summary = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(summary)
		return tags, summary, nil
	}
}

// jsonSummary serialises the pairs as one flat object. Tag container
// entries override top-level attributes of the same name.
func jsonSummary(pairs []tagPair) (string, error) {
	obj := make(map[string]any, len(pairs))
	for _, p := range pairs {
		obj[p.key] = p.value
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", fmt.Errorf("jsonSummary: encoding tags: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
