// Package geo holds image records and the spatial index over them.
package geo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// ImageRecord is one geotagged image. Records are immutable after loading.
type ImageRecord struct {
	ID      string
	Lat     float64
	Lon     float64
	Heading *float64
	Path    string
}

// Name is the file name the reconstruction engine knows the image by.
func (r ImageRecord) Name() string {
	return r.ID + ".jpg"
}

// IDFromName strips the image file extension.
func IDFromName(name string) string {
	if len(name) > 4 && name[len(name)-4:] == ".jpg" {
		return name[:len(name)-4]
	}
	return name
}

// Dataset is the result of loading a metadata file.
type Dataset struct {
	Records []ImageRecord
	Missing []string // ids without usable coordinates
}

// coord accepts coordinates written either as JSON numbers or strings.
type coord struct {
	v   float64
	set bool
}

func (c *coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid coordinate %q: %w", s, err)
		}
		c.v, c.set = f, true
		return nil
	}
	if err := json.Unmarshal(b, &c.v); err != nil {
		return err
	}
	c.set = true
	return nil
}

type metadataEntry struct {
	Lat     coord  `json:"lat"`
	Lon     coord  `json:"lon"`
	Heading coord  `json:"heading"`
	Path    string `json:"path"`
}

type metadataFile struct {
	DownloadedIDs json.RawMessage `json:"downloaded_ids"`
}

// LoadRecords reads the downloader metadata file. downloaded_ids is either an
// object mapping id to {lat, lon[, heading]} or a bare list of ids written
// before coordinates were fetched; in the latter case every id is Missing.
func LoadRecords(path string, imageDir string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return ParseRecords(raw, imageDir)
}

// ParseRecords parses metadata bytes. See LoadRecords.
func ParseRecords(raw []byte, imageDir string) (*Dataset, error) {
	var mf metadataFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(mf.DownloadedIDs) == 0 {
		return nil, fmt.Errorf("metadata has no downloaded_ids")
	}

	ds := &Dataset{}

	var ids []string
	if err := json.Unmarshal(mf.DownloadedIDs, &ids); err == nil {
		sort.Strings(ids)
		ds.Missing = ids
		return ds, nil
	}

	var entries map[string]metadataEntry
	if err := json.Unmarshal(mf.DownloadedIDs, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse downloaded_ids: %w", err)
	}

	for id, e := range entries {
		if !e.Lat.set || !e.Lon.set || !validLatLon(e.Lat.v, e.Lon.v) {
			ds.Missing = append(ds.Missing, id)
			continue
		}
		rec := ImageRecord{ID: id, Lat: e.Lat.v, Lon: e.Lon.v, Path: e.Path}
		if e.Heading.set {
			h := e.Heading.v
			rec.Heading = &h
		}
		if rec.Path == "" && imageDir != "" {
			rec.Path = imageDir + string(os.PathSeparator) + rec.Name()
		}
		ds.Records = append(ds.Records, rec)
	}

	sort.Slice(ds.Records, func(i, j int) bool { return ds.Records[i].ID < ds.Records[j].ID })
	sort.Strings(ds.Missing)
	return ds, nil
}

func validLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
