// Package config loads and validates the daemon configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	defaultSegmentDuration = 2.0
	defaultMaxSegments     = 5
)

// Stream is the processed configuration for a single capture stream.
type Stream struct {
	Name string
	Id   int
	// StartingSegmentIndex continues segment numbering across a daemon
	// restart so stale client references never collide.
	StartingSegmentIndex uint64
	// PendingDiscontinuity tags the stream's first segment with a
	// discontinuity, for resuming an interrupted broadcast.
	PendingDiscontinuity bool
}

// Config holds the fully processed application configuration.
type Config struct {
	Name            string
	SegmentDuration float64
	MaxSegments     uint64
	KeyframeDebug   bool
	Streams         []Stream
}

// rawStream maps directly to one stream entry in the JSON file.
type rawStream struct {
	Name                 string `json:"Name"`
	Id                   int    `json:"Id"`
	StartingSegmentIndex uint64 `json:"StartingSegmentIndex"`
	PendingDiscontinuity bool   `json:"PendingDiscontinuity"`
}

// rawConfig is the intermediate structure that maps directly to the JSON file.
// Optional numeric fields are pointers so absence and zero can be told apart.
type rawConfig struct {
	Name            string      `json:"Name"`
	SegmentDuration *float64    `json:"SegmentDuration"`
	MaxSegments     *uint64     `json:"MaxSegments"`
	KeyframeDebug   bool        `json:"KeyframeDebug"`
	Streams         []rawStream `json:"Streams"`
}

// LoadConfig reads and parses the configuration file from the given path,
// applying defaults and validating the stream list.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	segmentDuration := defaultSegmentDuration
	if rawCfg.SegmentDuration != nil {
		segmentDuration = *rawCfg.SegmentDuration
	}
	if segmentDuration <= 0 {
		return nil, fmt.Errorf("SegmentDuration must be positive, got %g", segmentDuration)
	}

	maxSegments := uint64(defaultMaxSegments)
	if rawCfg.MaxSegments != nil {
		maxSegments = *rawCfg.MaxSegments
	}
	if maxSegments == 0 {
		return nil, fmt.Errorf("MaxSegments must be at least 1")
	}

	if len(rawCfg.Streams) == 0 {
		return nil, fmt.Errorf("no streams configured")
	}

	seen := make(map[int]struct{}, len(rawCfg.Streams))
	streams := make([]Stream, 0, len(rawCfg.Streams))
	for _, rs := range rawCfg.Streams {
		if rs.Id < 0 {
			return nil, fmt.Errorf("stream '%s' has a negative Id %d", rs.Name, rs.Id)
		}
		if _, dup := seen[rs.Id]; dup {
			return nil, fmt.Errorf("duplicate stream Id %d", rs.Id)
		}
		seen[rs.Id] = struct{}{}

		streams = append(streams, Stream{
			Name:                 rs.Name,
			Id:                   rs.Id,
			StartingSegmentIndex: rs.StartingSegmentIndex,
			PendingDiscontinuity: rs.PendingDiscontinuity,
		})
	}

	return &Config{
		Name:            rawCfg.Name,
		SegmentDuration: segmentDuration,
		MaxSegments:     maxSegments,
		KeyframeDebug:   rawCfg.KeyframeDebug,
		Streams:         streams,
	}, nil
}

// StreamById returns the stream configuration for id.
func (c *Config) StreamById(id int) (*Stream, bool) {
	for i := range c.Streams {
		if c.Streams[i].Id == id {
			return &c.Streams[i], true
		}
	}
	return nil, false
}
