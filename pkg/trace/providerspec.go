package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseProviderSpec parses one "name:keywords_hex:level" triple from the
// environment-driven provider list (§6.3) or the CLI's --provider flag.
// keywords and level are optional; "name" alone enables with every keyword bit
// set (0xFFFFFFFFFFFFFFFF) and level Verbose (admit everything the provider defines).
func ParseProviderSpec(spec string) (ProviderConfig, error) {
	parts := strings.Split(spec, ":")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return ProviderConfig{}, fmt.Errorf("%w: provider spec %q has a blank name", ErrInvalidArgument, spec)
	}

	cfg := ProviderConfig{Name: name, Keywords: 0xFFFFFFFFFFFFFFFF, Level: Verbose}

	if len(parts) > 1 && parts[1] != "" {
		kw, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("%w: provider spec %q has a malformed keywords field: %v", ErrInvalidArgument, spec, err)
		}
		cfg.Keywords = kw
	}

	if len(parts) > 2 && parts[2] != "" {
		lvl, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil || lvl > uint64(Verbose) {
			return ProviderConfig{}, fmt.Errorf("%w: provider spec %q has an invalid level field", ErrInvalidArgument, spec)
		}
		cfg.Level = Level(lvl)
	}

	if len(parts) > 3 {
		return ProviderConfig{}, fmt.Errorf("%w: provider spec %q has too many fields", ErrInvalidArgument, spec)
	}

	return cfg, nil
}

// ParseProviderSpecList parses a list of provider specs, one spec per
// element, as found in SessionDefaultsConfig.Providers; it does not split
// on commas, and blank elements are skipped. A spec that fails to parse
// fails the whole list with an error rather than being silently dropped
// (§6.3).
func ParseProviderSpecList(specs []string) ([]ProviderConfig, error) {
	configs := make([]ProviderConfig, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		cfg, err := ParseProviderSpec(spec)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
