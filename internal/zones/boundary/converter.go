package boundary

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Converter turns a shapefile into a GeoJSON FeatureCollection in WGS84.
type Converter interface {
	Convert(ctx context.Context, shpPath string) ([]byte, error)
}

// OGRConverter shells out to GDAL's ogr2ogr.
type OGRConverter struct {
	// Path to the ogr2ogr binary; defaults to "ogr2ogr" on PATH.
	Path string
}

func (c OGRConverter) Convert(ctx context.Context, shpPath string) ([]byte, error) {
	bin := c.Path
	if bin == "" {
		bin = "ogr2ogr"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-f", "GeoJSON", "/vsistdout/", "-t_srs", "EPSG:4326", shpPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", bin, err)
		}
		return nil, fmt.Errorf("%s: %w: %s", bin, err, msg)
	}
	return stdout.Bytes(), nil
}
