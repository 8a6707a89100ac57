// Package detect normalizes fetched content and computes change
// fingerprints.
//
// Normalization strips the parts of a page that change without the content
// changing (markup noise, scripts, excluded page regions) so that the
// fingerprint only moves when something a reader would notice moved.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Normalization modes.
const (
	ModeAuto = "auto" // pick from Content-Type
	ModeHTML = "html"
	ModeText = "text"
	ModeRaw  = "raw" // byte-exact, for JSON APIs and binaries
)

// EmptyFingerprint is the fingerprint of empty normalized content.
const EmptyFingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Rules configures normalization for one task.
//
// IncludeSelector narrows detection to one page region: only nodes matching
// it are compared, and ExcludeSelectors then apply within that region.
// JSONPath narrows a JSON body to one dotted path ("data.items.0.price");
// when set it takes precedence over Mode.
type Rules struct {
	Mode             string   `json:"mode,omitempty"`
	IncludeSelector  string   `json:"include_selector,omitempty"`
	ExcludeSelectors []string `json:"exclude_selectors,omitempty"`
	JSONPath         string   `json:"json_path,omitempty"`
}

// ParseRules decodes a rules_json column value. Empty input yields
// zero-value rules (mode auto, no exclusions).
func ParseRules(raw string) (Rules, error) {
	var r Rules
	if raw == "" || raw == "{}" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return r, fmt.Errorf("parse rules: %w", err)
	}
	return r, nil
}

// Detector normalizes content and computes fingerprints.
// Safe for concurrent use.
type Detector struct {
	policy      *bluemonday.Policy
	mdConverter *converter.Converter
}

// New creates a Detector.
func New() *Detector {
	// class and id survive sanitization so exclusion selectors can still
	// match after the scrub.
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class", "id").Globally()
	return &Detector{
		policy: policy,
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Normalize reduces a response body to its comparable form according to the
// task rules. contentType is the raw Content-Type header value.
func (d *Detector) Normalize(body []byte, contentType string, rules Rules) (string, error) {
	if rules.JSONPath != "" {
		return extractJSONPath(body, rules.JSONPath)
	}
	switch resolveMode(rules.Mode, contentType, body) {
	case ModeRaw:
		return string(body), nil
	case ModeText:
		return collapseWhitespace(string(body)), nil
	default:
		return d.normalizeHTML(body, rules.IncludeSelector, rules.ExcludeSelectors)
	}
}

func (d *Detector) normalizeHTML(body []byte, include string, exclude []string) (string, error) {
	// Sanitize first: drops scripts, event handlers, tracking attributes.
	clean := d.policy.SanitizeBytes(body)

	doc, err := html.Parse(strings.NewReader(string(clean)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	// Narrow to the target region first; exclusions then apply within it.
	// A selector matching nothing yields empty normalized content.
	if include != "" {
		doc, err = selectRegion(doc, include)
		if err != nil {
			return "", err
		}
	}
	removeNodes(doc, append([]string{"script", "style", "noscript"}, exclude...))

	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}

	md, err := d.mdConverter.ConvertString(sb.String())
	if err != nil || strings.TrimSpace(md) == "" {
		// Markdown conversion is best-effort; fall back to visible text.
		return collapseWhitespace(collectText(doc)), nil
	}
	return collapseWhitespace(md), nil
}

// resolveMode maps auto mode onto a concrete one from the content type,
// sniffing the body when the header is missing.
func resolveMode(mode, contentType string, body []byte) string {
	if mode != "" && mode != ModeAuto {
		return mode
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"), strings.Contains(ct, "xhtml"):
		return ModeHTML
	case strings.HasPrefix(ct, "text/"):
		return ModeText
	case ct == "":
		if looksLikeHTML(body) {
			return ModeHTML
		}
		return ModeText
	default:
		return ModeRaw
	}
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// Fingerprint returns the SHA-256 hex digest of normalized content.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// collapseWhitespace trims lines, drops blank runs, and joins with single
// newlines so that reflowed markup compares equal.
func collapseWhitespace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
