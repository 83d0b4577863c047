package audio

import (
	"context"
	"fmt"
	"strconv"
)

// DurationSec probes just the duration of an audio file.
func DurationSec(ctx context.Context, path string) (float64, error) {
	probed, err := probe(ctx, path)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("unknown duration for %s", path)
	}
	return d, nil
}
