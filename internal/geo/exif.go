package geo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/barasher/go-exiftool"
)

// exifReader is the subset of *exiftool.Exiftool used here.
type exifReader interface {
	ExtractMetadata(files ...string) []exiftool.FileMetadata
	Close() error
}

// EXIFLocator recovers coordinates from the GPS tags embedded in images.
type EXIFLocator struct {
	et        exifReader
	batchSize int
}

// NewEXIFLocator starts a long-lived exiftool process.
func NewEXIFLocator() (*EXIFLocator, error) {
	et, err := exiftool.NewExiftool(exiftool.NoPrintConversion())
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &EXIFLocator{et: et, batchSize: 256}, nil
}

// Close stops the exiftool process.
func (l *EXIFLocator) Close() error {
	return l.et.Close()
}

// Fill resolves coordinates for ds.Missing from files in imageDir. Resolved
// ids move to ds.Records; the rest stay in ds.Missing.
func (l *EXIFLocator) Fill(ctx context.Context, ds *Dataset, imageDir string) (int, error) {
	var still []string
	resolved := 0

	for start := 0; start < len(ds.Missing); start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		end := min(start+l.batchSize, len(ds.Missing))
		batch := ds.Missing[start:end]

		paths := make([]string, len(batch))
		for i, id := range batch {
			paths[i] = filepath.Join(imageDir, id+".jpg")
		}

		for i, fm := range l.et.ExtractMetadata(paths...) {
			id := batch[i]
			rec, ok := recordFromEXIF(id, fm)
			if !ok {
				still = append(still, id)
				continue
			}
			rec.Path = paths[i]
			ds.Records = append(ds.Records, rec)
			resolved++
		}
	}

	sort.Slice(ds.Records, func(i, j int) bool { return ds.Records[i].ID < ds.Records[j].ID })
	ds.Missing = still
	return resolved, nil
}

func recordFromEXIF(id string, fm exiftool.FileMetadata) (ImageRecord, bool) {
	if fm.Err != nil {
		return ImageRecord{}, false
	}
	lat, err := fm.GetFloat("GPSLatitude")
	if err != nil {
		return ImageRecord{}, false
	}
	lon, err := fm.GetFloat("GPSLongitude")
	if err != nil {
		return ImageRecord{}, false
	}
	// Unsigned values come with a hemisphere reference.
	if ref, err := fm.GetString("GPSLatitudeRef"); err == nil && strings.HasPrefix(strings.ToUpper(ref), "S") && lat > 0 {
		lat = -lat
	}
	if ref, err := fm.GetString("GPSLongitudeRef"); err == nil && strings.HasPrefix(strings.ToUpper(ref), "W") && lon > 0 {
		lon = -lon
	}
	if !validLatLon(lat, lon) {
		return ImageRecord{}, false
	}

	rec := ImageRecord{ID: id, Lat: lat, Lon: lon}
	if h, err := fm.GetFloat("GPSImgDirection"); err == nil {
		rec.Heading = &h
	}
	return rec, true
}
