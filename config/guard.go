package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to anything the loader reads from outside the process
const (
	maxConfigSize = 10 << 20
	maxJSONDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

// checkConfigPath rejects paths that are empty, overlong, climb out of the
// working directory when relative, or carry an unsupported extension.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	if !filepath.IsAbs(path) {
		if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("path %s resolves outside the working directory", path)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}
}

// readConfigFile reads one layer after checking its path, type and size
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return data, nil
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// checkJSONDepth walks the token stream and fails on malformed input or
// nesting deeper than maxJSONDepth.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch d {
		case '{', '[':
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		default:
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
