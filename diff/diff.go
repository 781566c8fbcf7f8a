// Package diff computes minimal line-level edit scripts between two texts.
package diff

import "strings"

// maxLines caps the quadratic LCS table. Inputs beyond it get no
// line-by-line script; callers fall back to ApproxStats.
const maxLines = 2000

// Op classifies one line of an edit script.
type Op int

const (
	Common Op = iota
	Remove
	Add
)

func (o Op) String() string {
	switch o {
	case Common:
		return "common"
	case Remove:
		return "remove"
	case Add:
		return "add"
	default:
		return "unknown"
	}
}

// Line is a single line of the edit script. OldLine and NewLine are
// 1-based positions; an added line has no OldLine and a removed line has
// no NewLine.
type Line struct {
	Op      Op
	OldLine int
	NewLine int
	Text    string
}

// Script is an ordered edit script. Replaying its non-Remove lines yields
// the new text; replaying its non-Add lines yields the old text.
type Script []Line

// Stats counts added and removed lines.
type Stats struct {
	Added   int
	Removed int
}

// Compute derives the edit script from oldText to newText. Line endings
// are normalized first; identical texts produce an empty script. Inputs
// larger than the line cap also produce an empty script, since the LCS
// table is O(m*n).
//
// The script is minimal (longest common subsequence) and deterministic:
// where a removal and an insertion are both optimal at a position, the
// removal comes first.
func Compute(oldText, newText string) Script {
	oldText = normalize(oldText)
	newText = normalize(newText)
	if oldText == newText {
		return nil
	}

	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	m, n := len(oldLines), len(newLines)
	if m > maxLines || n > maxLines {
		return nil
	}

	// table[i][j] is the LCS length of oldLines[i:] and newLines[j:],
	// filled from the ends back so the walk below can run forward.
	table := make([][]int, m+1)
	for i := range table {
		table[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	script := make(Script, 0, m+n)
	i, j := 0, 0
	oldNum, newNum := 1, 1
	for i < m && j < n {
		switch {
		case oldLines[i] == newLines[j]:
			script = append(script, Line{Op: Common, OldLine: oldNum, NewLine: newNum, Text: oldLines[i]})
			i++
			j++
			oldNum++
			newNum++
		case table[i+1][j] >= table[i][j+1]:
			// On a tie the removal wins, so deletions always precede
			// insertions at the same position.
			script = append(script, Line{Op: Remove, OldLine: oldNum, Text: oldLines[i]})
			i++
			oldNum++
		default:
			script = append(script, Line{Op: Add, NewLine: newNum, Text: newLines[j]})
			j++
			newNum++
		}
	}
	for ; i < m; i++ {
		script = append(script, Line{Op: Remove, OldLine: oldNum, Text: oldLines[i]})
		oldNum++
	}
	for ; j < n; j++ {
		script = append(script, Line{Op: Add, NewLine: newNum, Text: newLines[j]})
		newNum++
	}
	return script
}

// Stats tallies the script's added and removed lines.
func (s Script) Stats() Stats {
	var st Stats
	for _, l := range s {
		switch l.Op {
		case Add:
			st.Added++
		case Remove:
			st.Removed++
		}
	}
	return st
}

// NewText reconstructs the new text from the script.
func (s Script) NewText() string {
	parts := make([]string, 0, len(s))
	for _, l := range s {
		if l.Op != Remove {
			parts = append(parts, l.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// OldText reconstructs the old text from the script.
func (s Script) OldText() string {
	parts := make([]string, 0, len(s))
	for _, l := range s {
		if l.Op != Add {
			parts = append(parts, l.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ApproxStats counts lines by multiset difference. It is cheap for texts
// too large for Compute, at the cost of missing moved-line pairings.
func ApproxStats(oldText, newText string) Stats {
	oldCounts := make(map[string]int)
	for _, l := range strings.Split(normalize(oldText), "\n") {
		oldCounts[l]++
	}
	newCounts := make(map[string]int)
	for _, l := range strings.Split(normalize(newText), "\n") {
		newCounts[l]++
	}

	var st Stats
	for l, c := range newCounts {
		if c > oldCounts[l] {
			st.Added += c - oldCounts[l]
		}
	}
	for l, c := range oldCounts {
		if c > newCounts[l] {
			st.Removed += c - newCounts[l]
		}
	}
	return st
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
