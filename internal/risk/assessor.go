// Package risk classifies prospective file modifications into risk tiers.
// Each rule is checked in order and the first match wins.
package risk

import (
	"bytes"
	"strings"

	"github.com/aurakai/oracledrive/internal/domain"
)

const (
	// DefaultScanBytes is how much of the payload is searched for suspicious tokens.
	DefaultScanBytes = 1024

	// DefaultLargeContentBytes is the size above which a payload is Medium risk.
	DefaultLargeContentBytes = 10 * 1024 * 1024
)

// Rule identifies which check produced an assessment.
type Rule string

const (
	RuleCriticalPath      Rule = "critical_path"
	RuleSystemPartition   Rule = "system_partition"
	RuleExecutable        Rule = "executable"
	RuleSuspiciousContent Rule = "suspicious_content"
	RuleLargeContent      Rule = "large_content"
	RuleDefault           Rule = "default"
)

// Rules holds the inputs of the assessment. The zero value matches nothing
// and assesses everything Low; use DefaultRules.
type Rules struct {
	CriticalPrefixes   []string
	SystemPrefixes     []string
	ExecutableSuffixes []string
	ExecutableDirs     []string // matched as substrings, e.g. "/bin/"
	SuspiciousTokens   []string
	ScanBytes          int
	LargeContentBytes  int
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		CriticalPrefixes:   []string{"/boot", "/system/bin", "/system/lib", "/init", "/system/framework"},
		SystemPrefixes:     []string{"/system", "/vendor", "/product"},
		ExecutableSuffixes: []string{".so", ".apk"},
		ExecutableDirs:     []string{"/bin/"},
		SuspiciousTokens: []string{
			"/system/xbin",
			"/sbin/su",
			"su -c",
			"setuid",
			"chmod 4755",
			"chmod u+s",
			"magisk",
		},
		ScanBytes:         DefaultScanBytes,
		LargeContentBytes: DefaultLargeContentBytes,
	}
}

// Assessment is a risk tier plus the rule that produced it.
type Assessment struct {
	Level  domain.RiskLevel
	Rule   Rule
	Detail string // the prefix, suffix or token that matched
}

// Assessor applies a fixed rule set. It is safe for concurrent use.
type Assessor struct {
	rules Rules
}

// NewAssessor creates an assessor with the given rules.
func NewAssessor(rules Rules) *Assessor {
	return &Assessor{rules: rules}
}

// NewDefaultAssessor creates an assessor with DefaultRules.
func NewDefaultAssessor() *Assessor {
	return NewAssessor(DefaultRules())
}

// Assess returns the risk tier for writing content to targetPath.
func (a *Assessor) Assess(targetPath string, content []byte) domain.RiskLevel {
	return a.Explain(targetPath, content).Level
}

// Explain is Assess with the matching rule attached.
func (a *Assessor) Explain(targetPath string, content []byte) Assessment {
	if p, ok := firstPrefix(targetPath, a.rules.CriticalPrefixes); ok {
		return Assessment{Level: domain.RiskCritical, Rule: RuleCriticalPath, Detail: p}
	}

	if p, ok := firstPrefix(targetPath, a.rules.SystemPrefixes); ok {
		return Assessment{Level: domain.RiskHigh, Rule: RuleSystemPartition, Detail: p}
	}

	for _, s := range a.rules.ExecutableSuffixes {
		if strings.HasSuffix(targetPath, s) {
			return Assessment{Level: domain.RiskMedium, Rule: RuleExecutable, Detail: s}
		}
	}
	for _, d := range a.rules.ExecutableDirs {
		if strings.Contains(targetPath, d) {
			return Assessment{Level: domain.RiskMedium, Rule: RuleExecutable, Detail: d}
		}
	}

	head := content
	if a.rules.ScanBytes > 0 && len(head) > a.rules.ScanBytes {
		head = head[:a.rules.ScanBytes]
	}
	for _, tok := range a.rules.SuspiciousTokens {
		if tok != "" && bytes.Contains(head, []byte(tok)) {
			return Assessment{Level: domain.RiskHigh, Rule: RuleSuspiciousContent, Detail: tok}
		}
	}

	if a.rules.LargeContentBytes > 0 && len(content) > a.rules.LargeContentBytes {
		return Assessment{Level: domain.RiskMedium, Rule: RuleLargeContent}
	}

	return Assessment{Level: domain.RiskLow, Rule: RuleDefault}
}

func firstPrefix(path string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return p, true
		}
	}
	return "", false
}
