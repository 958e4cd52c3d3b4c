package keys

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format identifies the encoding of a key file.
type Format int

const (
	FormatUnknown Format = iota
	FormatRaw
	FormatCardJSON
	FormatCardJSONNoUID
	FormatStaticJSON
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatCardJSON:
		return "card-json"
	case FormatCardJSONNoUID:
		return "card-json-no-uid"
	case FormatStaticJSON:
		return "static-json"
	}
	return "unknown"
}

// DetectFormat guesses the format of a key file from its contents.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 1 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		var head struct {
			KeyType *string `json:"KeyType"`
			UID     *string `json:"uid"`
		}
		if err := json.Unmarshal(trimmed, &head); err == nil {
			kt := ""
			if head.KeyType != nil {
				kt = *head.KeyType
			}
			switch kt {
			case TypeClassicStatic:
				return FormatStaticJSON
			case "", TypeClassic:
				if head.UID == nil || strings.TrimSpace(*head.UID) == "" {
					return FormatCardJSONNoUID
				}
				return FormatCardJSON
			}
			return FormatUnknown
		}
	}
	if _, err := ParseDump(data, ""); err == nil {
		return FormatRaw
	}
	return FormatUnknown
}

// Parse detects the format of data and parses it into a source.
func Parse(data []byte, name string) (Source, Format, error) {
	format := DetectFormat(data)
	switch format {
	case FormatRaw:
		src, err := ParseDump(data, name)
		return src, format, err
	case FormatCardJSON, FormatCardJSONNoUID:
		src, err := ParseCardKeys(data, name)
		return src, format, err
	case FormatStaticJSON:
		src, err := ParseStaticKeys(data, name)
		return src, format, err
	}
	// Run the parser that explains the failure best.
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if _, err := ParseCardKeys(data, name); err != nil {
			return nil, format, err
		}
	}
	_, err := ParseDump(data, name)
	if err == nil {
		err = formatErrorf(name, nil, "unrecognised key file")
	}
	return nil, format, err
}

// LoadFile reads and parses one key file. The bundle name is the file
// name without extension.
func LoadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	src, _, err := Parse(data, name)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Source = path
		}
		return nil, err
	}
	return src, nil
}

var keyFileExts = []string{".json", ".keys", ".farebotkeys", ".mfc", ".dump"}

// LoadDir loads every key file below dir in lexical path order. Files that
// fail to parse are skipped and reported together in the returned error,
// so a broken file never hides the good ones.
func LoadDir(dir string, log logrus.FieldLogger) ([]Source, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if slices.Contains(keyFileExts, strings.ToLower(filepath.Ext(path))) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	var sources []Source
	var errs []error
	for _, path := range paths {
		src, err := LoadFile(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("skipping key file")
			errs = append(errs, err)
			continue
		}
		log.WithField("path", path).Debug("loaded key file")
		sources = append(sources, src)
	}
	return sources, errors.Join(errs...)
}
