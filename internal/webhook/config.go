package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/gradeq/internal/config"
)

// FromGlobalConfig converts the intake section of the config file.
func FromGlobalConfig(ic config.IntakeConfig) (Config, error) {
	if ic.Secret == "" {
		return Config{}, fmt.Errorf("intake: no secret configured")
	}
	maxBodySize, err := parseMaxBodySize(ic.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("intake: invalid max_body_size %q: %w", ic.MaxBodySize, err)
	}
	header := ic.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	return Config{
		Listen:          ic.Listen,
		Secret:          ic.Secret,
		SignatureHeader: header,
		MaxBodySize:     maxBodySize,
	}, nil
}

// parseMaxBodySize parses sizes like "64MB", "512KB" or "1048576".
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
