package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// RecipientData carries the member fields available to template placeholders.
type RecipientData struct {
	FirstName   string
	LastName    string
	Email       string
	Gender      string // "m", "w" or "d"
	Birthdate   time.Time
	MemberSince time.Time // zero when unknown
}

// RenderResult is the outcome of rendering a template for one recipient.
type RenderResult struct {
	Subject string // frontmatter subject with placeholders resolved, "" if none
	HTML    string
}

// placeholderPattern matches {{ Token }} with tolerant spacing.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z]+)\s*\}\}`)

var sanitizer = func() *bluemonday.Policy {
	// UGC plus inline styles: mail templates are operator-authored HTML and
	// clients only understand inline styling.
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	return p
}()

var markdown = goldmark.New()

// Render resolves placeholders in a template for one recipient and returns
// sanitized HTML ready for delivery. The logical date drives the date-derived
// placeholders (age, years of membership), which makes backfilled runs render
// the same as the runs they replay.
//
// Placeholders are matched case-insensitively with tolerant spacing; unknown
// placeholders are left untouched. Template bodies marked `format: markdown`
// in their frontmatter are converted to HTML first.
func Render(content string, data RecipientData, logical time.Time) (*RenderResult, error) {
	tpl, err := ParseTemplate([]byte(content))
	if err != nil {
		return nil, errors.Join(ErrRenderFailed, err)
	}

	mapping := placeholderValues(data, logical)

	body := substitute(tpl.Body, mapping)

	if tpl.IsMarkdown() {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(body), &buf); err != nil {
			return nil, fmt.Errorf("%w: markdown conversion: %v", ErrRenderFailed, err)
		}
		body = buf.String()
	}

	return &RenderResult{
		Subject: substitute(tpl.Subject(), mapping),
		HTML:    sanitizer.Sanitize(body),
	}, nil
}

// substitute replaces known {{Token}} placeholders; unknown tokens survive.
func substitute(s string, mapping map[string]string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		token := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := mapping[strings.ToLower(token)]; ok {
			return v
		}
		return match
	})
}

// placeholderValues builds the substitution table. Salutation forms keep the
// original German template vocabulary club operators already author against.
func placeholderValues(data RecipientData, logical time.Time) map[string]string {
	var anrede, anredeLang, bezeichnung, pronomen, possessiv string
	switch strings.ToLower(data.Gender) {
	case "m":
		anrede, anredeLang = "Lieber", "Sehr geehrter"
		bezeichnung, pronomen, possessiv = "Herr", "er", "sein"
	case "w":
		anrede, anredeLang = "Liebe", "Sehr geehrte"
		bezeichnung, pronomen, possessiv = "Frau", "sie", "ihr"
	default:
		anrede, anredeLang = "Liebe*r", "Sehr geehrte*r"
		bezeichnung, pronomen, possessiv = "Mitglied", "sie", "ihr"
	}

	mapping := map[string]string{
		"vorname":     data.FirstName,
		"nachname":    data.LastName,
		"email":       data.Email,
		"anrede":      anrede,
		"anredelang":  anredeLang,
		"bezeichnung": bezeichnung,
		"pronomen":    pronomen,
		"possessiv":   possessiv,
		"datum":       logical.Format("02.01.2006"),
	}

	if !data.Birthdate.IsZero() {
		mapping["geburtstag"] = data.Birthdate.Format("02.01.2006")
		mapping["alter"] = fmt.Sprintf("%d", yearsBetween(data.Birthdate, logical))
	}
	if !data.MemberSince.IsZero() {
		mapping["eintritt"] = data.MemberSince.Format("02.01.2006")
		mapping["jahre"] = fmt.Sprintf("%d", yearsBetween(data.MemberSince, logical))
	}

	return mapping
}

// yearsBetween counts full years from a past date to the logical date.
func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	anniversary := time.Date(to.Year(), from.Month(), from.Day(), 0, 0, 0, 0, to.Location())
	if to.Before(anniversary) {
		years--
	}
	return max(years, 0)
}
