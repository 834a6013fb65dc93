// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recorder

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement written for every record.
const Measurement = "hil_tick"

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Channels names the six state fields. Default: state_0 .. state_5.
	Channels [6]string `yaml:"channels"`
}

// InfluxSink writes records as points of Measurement, tagged by run and
// endpoint.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	fields   [6]string
}

// NewInfluxSink creates a sink using a blocking write API. Batching is
// handled by Async.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx sink requires url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	var fields [6]string
	for i, name := range cfg.Channels {
		if name == "" {
			name = "state_" + strconv.Itoa(i)
		}
		fields[i] = name
	}
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		fields:   fields,
	}, nil
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, batch []Record) error {
	points := make([]*write.Point, 0, len(batch))
	for _, r := range batch {
		p := influxdb2.NewPointWithMeasurement(Measurement).
			AddTag("run_id", r.RunID).
			AddTag("endpoint", r.Endpoint).
			AddField("sequence", int64(r.Sequence)).
			AddField("command", r.Command).
			AddField("fresh", r.Fresh).
			SetTime(r.Time)
		for i, v := range r.State {
			p.AddField(s.fields[i], v)
		}
		points = append(points, p)
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
