package extract

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"golang.org/x/text/unicode/norm"
)

// Field weights sum to 1. Confidence is the sum of weights of populated fields,
// so populating one more field can only raise it.
const (
	weightEmail   = 0.25
	weightName    = 0.20
	weightCompany = 0.15
	weightPhone   = 0.15
	weightRole    = 0.10
	weightWebsite = 0.075
	weightAddress = 0.075
)

const maxNameRunes = 40

var (
	reEmail   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reWebsite = regexp.MustCompile(`(?i)\b(?:https?://[^\s,;]+|www\.[a-z0-9\-]+(?:\.[a-z0-9\-]+)+[^\s,;]*)`)
	rePhone   = regexp.MustCompile(`\+?\(?\d[\d\-\s().]{7,}\d`)
	rePostal  = regexp.MustCompile(`〒\s*\d{3}-?\d{4}|\b\d{3}-\d{4}\b`)
	reStreet  = regexp.MustCompile(`(?i)\b\d+\s+[\w .]+\b(street|st\.|avenue|ave\.?|road|rd\.?|blvd|boulevard|suite|floor|lane|drive)\b`)
	reJPAddr  = regexp.MustCompile(`(都|道|府|県).+(市|区|町|村)`)
	reDigit   = regexp.MustCompile(`\d`)
	reLabel   = regexp.MustCompile(`(?i)^(tel|phone|mobile|mob|cell|携帯|電話|m|t|p)\s*[.:：]?\s*`)
	reFax     = regexp.MustCompile(`(?i)(fax|ファックス|ＦＡＸ)`)
)

var companyMarkers = []string{
	"株式会社", "有限会社", "合同会社", "(株)", "（株）", "(有)",
	" inc", " inc.", " corp", " corp.", " corporation", " co.,", " co.", " ltd", " ltd.",
	" llc", " gmbh", " k.k.", " plc", " company", " s.a.", " holdings",
}

var roleMarkers = []string{
	"代表取締役", "取締役", "社長", "部長", "課長", "係長", "主任", "室長", "本部長",
	"マネージャー", "エンジニア", "ディレクター", "デザイナー", "コンサルタント", "営業",
	"ceo", "cto", "cfo", "coo", "cio", "founder", "president", "director", "manager",
	"engineer", "head of", "vice president", "vp ", "lead", "designer", "consultant",
	"sales", "officer", "partner", "architect", "specialist",
}

// Extractor turns raw OCR text into contact fields. It holds no state.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

func (e *Extractor) Extract(rawText string) domain.ExtractedData {
	return Extract(rawText)
}

// Extract is deterministic and never fails; text with no recognisable content
// yields an empty result with zero confidence.
func Extract(rawText string) domain.ExtractedData {
	lines := splitLines(rawText)
	if len(lines) == 0 {
		return domain.ExtractedData{}
	}

	used := make(map[int]bool)
	var out domain.ExtractedData

	for i, line := range lines {
		if out.Email == "" {
			if m := reEmail.FindString(line); m != "" {
				out.Email = strings.ToLower(m)
				used[i] = true
			}
		}
	}

	for i, line := range lines {
		if out.Website != "" {
			break
		}
		candidate := reEmail.ReplaceAllString(line, "")
		if m := reWebsite.FindString(candidate); m != "" {
			out.Website = strings.TrimRight(m, ".")
			used[i] = true
		}
	}

	for i, line := range lines {
		if out.Phone != "" {
			break
		}
		if reFax.MatchString(line) && !reLabel.MatchString(line) {
			continue
		}
		segment := line
		if loc := reFax.FindStringIndex(segment); loc != nil {
			segment = segment[:loc[0]]
		}
		segment = reLabel.ReplaceAllString(segment, "")
		if m := rePhone.FindString(segment); m != "" && countDigits(m) >= 9 {
			out.Phone = strings.TrimSpace(m)
			used[i] = true
		}
	}

	for i, line := range lines {
		if out.Address != "" {
			break
		}
		if used[i] {
			continue
		}
		if rePostal.MatchString(line) || reStreet.MatchString(line) || reJPAddr.MatchString(line) {
			out.Address = strings.TrimSpace(strings.TrimPrefix(line, "〒"))
			used[i] = true
		}
	}

	for i, line := range lines {
		if out.Company != "" {
			break
		}
		if used[i] {
			continue
		}
		if containsMarker(line, companyMarkers) {
			out.Company = line
			used[i] = true
		}
	}

	for i, line := range lines {
		if out.Role != "" {
			break
		}
		if used[i] {
			continue
		}
		if containsMarker(line, roleMarkers) {
			out.Role = line
			used[i] = true
		}
	}

	for i, line := range lines {
		if used[i] {
			continue
		}
		if looksLikeName(line) {
			out.Name = line
			break
		}
	}

	out.Confidence = confidence(out)
	return out
}

func confidence(d domain.ExtractedData) float64 {
	score := 0.0
	if d.Email != "" {
		score += weightEmail
	}
	if d.Name != "" {
		score += weightName
	}
	if d.Company != "" {
		score += weightCompany
	}
	if d.Phone != "" {
		score += weightPhone
	}
	if d.Role != "" {
		score += weightRole
	}
	if d.Website != "" {
		score += weightWebsite
	}
	if d.Address != "" {
		score += weightAddress
	}
	// Rounded so float summation order never produces 1.0000000000000002.
	return math.Min(1, math.Round(score*1000)/1000)
}

func splitLines(raw string) []string {
	normalized := norm.NFKC.String(raw)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")

	var lines []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" || !hasLetterOrDigit(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func containsMarker(line string, markers []string) bool {
	lower := " " + strings.ToLower(line) + " "
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func looksLikeName(line string) bool {
	if utf8.RuneCountInString(line) > maxNameRunes || utf8.RuneCountInString(line) < 2 {
		return false
	}
	if reDigit.MatchString(line) || strings.ContainsAny(line, "@/:") {
		return false
	}
	if containsMarker(line, companyMarkers) || containsMarker(line, roleMarkers) {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 2
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
