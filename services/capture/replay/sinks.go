// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replay

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/AleutianAI/chaosreplay/services/capture/codec"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
)

// Sink receives replayed batches. Every record in a batch has the given
// signal. A sink that does not handle a signal returns nil.
type Sink interface {
	Send(ctx context.Context, signal string, batch []codec.Record) error
}

const scopeName = "chaosreplay"

// =============================================================================
// OTLP/HTTP
// =============================================================================

// OTLPHTTPSink posts OTLP protobuf export requests to
// <endpoint>/v1/{traces,metrics,logs}.
type OTLPHTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewOTLPHTTPSink creates a sink for an OTLP/HTTP receiver such as an
// OpenTelemetry Collector on :4318. A nil client gets an otelhttp
// instrumented transport with a 10 second timeout.
func NewOTLPHTTPSink(endpoint string, client *http.Client) *OTLPHTTPSink {
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}
	return &OTLPHTTPSink{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

// NewHTTPClient returns a client whose transport is instrumented with otelhttp.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Send implements Sink.
func (s *OTLPHTTPSink) Send(ctx context.Context, signal string, batch []codec.Record) error {
	if len(batch) == 0 {
		return nil
	}
	var msg proto.Message
	switch signal {
	case datatypes.SignalTraces:
		msg = tracesRequest(batch)
	case datatypes.SignalMetrics:
		msg = metricsRequest(batch)
	case datatypes.SignalLogs:
		msg = logsRequest(batch)
	default:
		return fmt.Errorf("%w: unknown signal %q", datatypes.ErrInvalidConfiguration, signal)
	}
	body, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s batch: %w", signal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/"+signal, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", datatypes.ErrInvalidConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %w", datatypes.ErrTransportFailure, signal, datatypes.ClassifyContextError(err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: post %s: status %d", datatypes.ErrTransportFailure, signal, resp.StatusCode)
	}
	return nil
}

// groupByService keeps first-seen service order.
func groupByService(batch []codec.Record) ([]string, map[string][]codec.Record) {
	var order []string
	groups := make(map[string][]codec.Record)
	for _, r := range batch {
		if _, ok := groups[r.Service]; !ok {
			order = append(order, r.Service)
		}
		groups[r.Service] = append(groups[r.Service], r)
	}
	return order, groups
}

func resourceFor(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{stringKV("service.name", service)}}
}

func stringKV(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func attributes(m map[string]string) []*commonpb.KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, stringKV(k, m[k]))
	}
	return out
}

// hexBytes decodes a hex id. Malformed ids are dropped rather than sent.
func hexBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func tracesRequest(batch []codec.Record) *coltracepb.ExportTraceServiceRequest {
	order, groups := groupByService(batch)
	req := &coltracepb.ExportTraceServiceRequest{}
	for _, svc := range order {
		spans := make([]*tracepb.Span, 0, len(groups[svc]))
		for _, r := range groups[svc] {
			code := tracepb.Status_STATUS_CODE_OK
			if strings.EqualFold(r.Status, "error") {
				code = tracepb.Status_STATUS_CODE_ERROR
			}
			spans = append(spans, &tracepb.Span{
				TraceId:           hexBytes(r.TraceID),
				SpanId:            hexBytes(r.SpanID),
				ParentSpanId:      hexBytes(r.ParentID),
				Name:              r.Name,
				Kind:              tracepb.Span_SPAN_KIND_SERVER,
				StartTimeUnixNano: uint64(r.Timestamp),
				EndTimeUnixNano:   uint64(r.Timestamp + r.DurationNanos),
				Attributes:        attributes(r.Attributes),
				Status:            &tracepb.Status{Code: code},
			})
		}
		req.ResourceSpans = append(req.ResourceSpans, &tracepb.ResourceSpans{
			Resource:   resourceFor(svc),
			ScopeSpans: []*tracepb.ScopeSpans{{Scope: &commonpb.InstrumentationScope{Name: scopeName}, Spans: spans}},
		})
	}
	return req
}

func metricsRequest(batch []codec.Record) *colmetricspb.ExportMetricsServiceRequest {
	order, groups := groupByService(batch)
	req := &colmetricspb.ExportMetricsServiceRequest{}
	for _, svc := range order {
		metrics := make([]*metricspb.Metric, 0, len(groups[svc]))
		for _, r := range groups[svc] {
			metrics = append(metrics, &metricspb.Metric{
				Name: r.Name,
				Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
					DataPoints: []*metricspb.NumberDataPoint{{
						TimeUnixNano: uint64(r.Timestamp),
						Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: r.Value},
						Attributes:   attributes(r.Attributes),
					}},
				}},
			})
		}
		req.ResourceMetrics = append(req.ResourceMetrics, &metricspb.ResourceMetrics{
			Resource:     resourceFor(svc),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Scope: &commonpb.InstrumentationScope{Name: scopeName}, Metrics: metrics}},
		})
	}
	return req
}

func logsRequest(batch []codec.Record) *collogspb.ExportLogsServiceRequest {
	order, groups := groupByService(batch)
	req := &collogspb.ExportLogsServiceRequest{}
	for _, svc := range order {
		recs := make([]*logspb.LogRecord, 0, len(groups[svc]))
		for _, r := range groups[svc] {
			sev := logspb.SeverityNumber_SEVERITY_NUMBER_INFO
			if strings.EqualFold(r.Status, "error") {
				sev = logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
			}
			recs = append(recs, &logspb.LogRecord{
				TimeUnixNano:   uint64(r.Timestamp),
				SeverityNumber: sev,
				SeverityText:   r.Status,
				Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: r.Name}},
				Attributes:     attributes(r.Attributes),
				TraceId:        hexBytes(r.TraceID),
				SpanId:         hexBytes(r.SpanID),
			})
		}
		req.ResourceLogs = append(req.ResourceLogs, &logspb.ResourceLogs{
			Resource:  resourceFor(svc),
			ScopeLogs: []*logspb.ScopeLogs{{Scope: &commonpb.InstrumentationScope{Name: scopeName}, LogRecords: recs}},
		})
	}
	return req
}

// =============================================================================
// InfluxDB
// =============================================================================

// InfluxConfig configures InfluxSink.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// InfluxSink writes the metrics signal to InfluxDB. Other signals are
// ignored.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxSink creates a sink. The measurement defaults to
// "replayed_metrics".
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: influx url, org and bucket are required", datatypes.ErrInvalidConfiguration)
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "replayed_metrics"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}, nil
}

// Send implements Sink.
func (s *InfluxSink) Send(ctx context.Context, signal string, batch []codec.Record) error {
	if signal != datatypes.SignalMetrics || len(batch) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(batch))
	for _, r := range batch {
		p := influxdb2.NewPointWithMeasurement(s.measurement).
			AddTag("service", r.Service).
			AddTag("metric", r.Name).
			AddField("value", r.Value).
			SetTime(time.Unix(0, r.Timestamp))
		for k, v := range r.Attributes {
			p.AddTag(k, v)
		}
		points = append(points, p)
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("%w: influx write: %w", datatypes.ErrTransportFailure, datatypes.ClassifyContextError(err))
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiSink sends every batch to each sink in order and returns the first
// error after trying all of them.
type MultiSink []Sink

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, signal string, batch []codec.Record) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, signal, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Sink = (*OTLPHTTPSink)(nil)
	_ Sink = (*InfluxSink)(nil)
	_ Sink = MultiSink(nil)
)
