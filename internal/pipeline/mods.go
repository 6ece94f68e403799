package pipeline

import (
	"strings"
)

// modPrefixes mark a clause as a modification request; longest first so
// "不要加" wins over "不要" and "加".
var modPrefixes = []string{"不要加", "不加", "不要", "免加", "少加", "多加", "去", "免", "少", "多", "加"}

// noteClauseSeparators split multi-clause notes ("不要加薑絲跟香菜").
var noteClauseSeparators = []string{"跟", "和", "與", "及", "、", "，", ",", "；", ";", "+"}

// RuleModsFromText scans the line text for allowed mods by containment,
// preserving the allowed-list order.
func RuleModsFromText(lineText string, allowedMods []string) []string {
	seen := map[string]bool{}
	var mods []string
	for _, mod := range allowedMods {
		if mod == "" || seen[mod] {
			continue
		}
		if strings.Contains(lineText, mod) {
			seen[mod] = true
			mods = append(mods, mod)
		}
	}
	return mods
}

func leadingModPrefix(clause string) string {
	for _, prefix := range modPrefixes {
		if strings.HasPrefix(clause, prefix) {
			return prefix
		}
	}
	return ""
}

// SplitNoteClauses breaks a note into mod clauses on common conjunctions,
// distributing a leading negation/addition marker over bare continuations:
// "不要加薑絲跟香菜" becomes ["不要加薑絲", "不要加香菜"].
func SplitNoteClauses(note string) []string {
	text := strings.TrimSpace(note)
	if text == "" {
		return nil
	}
	clauses := []string{text}
	for _, separator := range noteClauseSeparators {
		var next []string
		for _, clause := range clauses {
			next = append(next, strings.Split(clause, separator)...)
		}
		clauses = next
	}

	var out []string
	carryPrefix := ""
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if prefix := leadingModPrefix(clause); prefix != "" {
			carryPrefix = prefix
		} else if carryPrefix != "" {
			clause = carryPrefix + clause
		}
		out = append(out, clause)
	}
	return out
}

// noteModClauses keeps only the clauses that read as modifications: those
// carrying a mod prefix or matching an allowed mod outright.
func noteModClauses(note string, allowedMods []string) []string {
	allowed := map[string]bool{}
	for _, mod := range allowedMods {
		allowed[mod] = true
	}
	var out []string
	for _, clause := range SplitNoteClauses(note) {
		if allowed[clause] || leadingModPrefix(clause) != "" {
			out = append(out, clause)
		}
	}
	return out
}
