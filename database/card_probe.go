// Package database names cards from their ATR using the pcsc-tools
// smartcard_list.txt database.
package database

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CardEntry is one ATR pattern and its description lines.
type CardEntry struct {
	ATR          string // upper-case hex, "." matches any nibble
	Descriptions []string
	pattern      *regexp.Regexp
}

// Name returns the first description line.
func (e CardEntry) Name() string {
	if len(e.Descriptions) == 0 {
		return ""
	}
	return e.Descriptions[0]
}

// Matches reports whether atr matches the entry's pattern.
func (e CardEntry) Matches(atr []byte) bool {
	if e.pattern == nil {
		return false
	}
	return e.pattern.MatchString(strings.ToUpper(hex.EncodeToString(atr)))
}

// CardDatabase holds all card definitions in file order.
type CardDatabase struct {
	entries []CardEntry
}

// NewCardDatabase creates an empty card database.
func NewCardDatabase() *CardDatabase {
	return &CardDatabase{
		entries: make([]CardEntry, 0),
	}
}

// GetDefaultSearchPaths returns common locations for smartcard_list.txt
func GetDefaultSearchPaths() []string {
	paths := []string{
		"/usr/share/pcsc/smartcard_list.txt",
		"/usr/local/share/pcsc/smartcard_list.txt",
		"/etc/pcsc/smartcard_list.txt",
		"/opt/pcsc/smartcard_list.txt",
		"./smartcard_list.txt",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".pcsc", "smartcard_list.txt"),
			filepath.Join(home, ".local", "share", "pcsc", "smartcard_list.txt"),
		)
	}
	return paths
}

// ProbeForFile searches for smartcard_list.txt in common locations
func ProbeForFile() (string, error) {
	for _, path := range GetDefaultSearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("smartcard_list.txt not found in any standard location")
}

// LoadFromFile loads card definitions from smartcard_list.txt
func (db *CardDatabase) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if err := db.Load(file); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	return nil
}

// Load reads smartcard_list.txt formatted definitions: an ATR pattern at the
// start of a line followed by tab-indented description lines.
func (db *CardDatabase) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var current *CardEntry
	lineNo := 0

	flush := func() {
		if current != nil && len(current.Descriptions) > 0 {
			db.entries = append(db.entries, *current)
		}
		current = nil
	}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(raw, "\t") || strings.HasPrefix(raw, " ") {
			if current != nil {
				current.Descriptions = append(current.Descriptions, line)
			}
			continue
		}

		if !isHexLine(line) {
			continue
		}
		flush()
		atr := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
		pattern, err := regexp.Compile("^" + atr + "$")
		if err != nil {
			return fmt.Errorf("line %d: invalid ATR pattern %q: %w", lineNo, line, err)
		}
		current = &CardEntry{ATR: atr, pattern: pattern}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}
	return nil
}

// LoadWithProbe attempts to find and load smartcard_list.txt automatically
func (db *CardDatabase) LoadWithProbe() (string, error) {
	path, err := ProbeForFile()
	if err != nil {
		return "", err
	}

	err = db.LoadFromFile(path)
	if err != nil {
		return "", fmt.Errorf("found file at %s but failed to load: %w", path, err)
	}

	return path, nil
}

// isHexLine checks if a line starts with hex characters or wildcards
func isHexLine(line string) bool {
	cleaned := strings.ReplaceAll(line, " ", "")
	if len(cleaned) == 0 {
		return false
	}

	for i := 0; i < len(cleaned) && i < 6; i++ {
		c := cleaned[i]
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f') || c == '.') {
			return false
		}
	}
	return true
}

// Detect returns the entry matching atr, or false.
func (db *CardDatabase) Detect(atr []byte) (CardEntry, bool) {
	for _, entry := range db.entries {
		if entry.Matches(atr) {
			return entry, true
		}
	}
	return CardEntry{}, false
}

// DetectWithPartialMatch finds cards whose literal ATR prefix matches the
// beginning of atr for at least minMatchBytes bytes.
func (db *CardDatabase) DetectWithPartialMatch(atr []byte, minMatchBytes int) []string {
	atrHex := strings.ToUpper(hex.EncodeToString(atr))
	matches := []string{}

	minMatchLen := minMatchBytes * 2

	for _, entry := range db.entries {
		matchLen := min(len(atrHex), len(entry.ATR))
		if matchLen < minMatchLen {
			continue
		}
		ok := true
		for i := 0; i < matchLen; i++ {
			if entry.ATR[i] != '.' && entry.ATR[i] != atrHex[i] {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, entry.Name())
		}
	}

	return matches
}

// Count returns the number of loaded card definitions
func (db *CardDatabase) Count() int {
	return len(db.entries)
}

// GetEntries returns all card entries
func (db *CardDatabase) GetEntries() []CardEntry {
	return db.entries
}

// FindByName searches for cards by description (case-insensitive partial match)
func (db *CardDatabase) FindByName(name string) []CardEntry {
	results := []CardEntry{}
	searchTerm := strings.ToLower(name)

	for _, entry := range db.entries {
		for _, d := range entry.Descriptions {
			if strings.Contains(strings.ToLower(d), searchTerm) {
				results = append(results, entry)
				break
			}
		}
	}

	return results
}
