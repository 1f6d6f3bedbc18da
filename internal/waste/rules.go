package waste

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxRulesFileSize caps rules files at 1MB. A scoring table has no business
// being larger.
const maxRulesFileSize = 1 << 20

// LoadFile reads a YAML rules file into a validated RuleSet.
//
// File format:
//
//	rules:
//	  - name: idle-running
//	    points: 80
//	    state: running
//	    cpu_below: 5
func LoadFile(path string) (RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("stat rules file: %w", err)
	}
	if info.Size() > maxRulesFileSize {
		return RuleSet{}, fmt.Errorf("rules file too large: %d bytes (max %d)", info.Size(), maxRulesFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML rules content into a validated RuleSet.
func Parse(data []byte) (RuleSet, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}

	var rs RuleSet
	if err := k.Unmarshal("", &rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rules: %w", err)
	}

	if err := rs.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("invalid rules: %w", err)
	}
	return rs, nil
}
