// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package replay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/AleutianAI/chaosreplay/services/capture/codec"
	"github.com/AleutianAI/chaosreplay/services/capture/datatypes"
	"github.com/AleutianAI/chaosreplay/services/capture/storage"
)

type recordingSink struct {
	mu      sync.Mutex
	batches map[string][][]codec.Record
	fail    atomic.Bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: make(map[string][][]codec.Record)}
}

func (r *recordingSink) Send(_ context.Context, signal string, batch []codec.Record) error {
	if r.fail.Load() {
		return errors.New("sink down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[signal] = append(r.batches[signal], append([]codec.Record(nil), batch...))
	return nil
}

func (r *recordingSink) records(signal string) []codec.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []codec.Record
	for _, b := range r.batches[signal] {
		out = append(out, b...)
	}
	return out
}

var recordedBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()

// putSession writes n trace records spaced step apart plus one metric.
func putSession(t *testing.T, store storage.Store, id string, n int, step time.Duration) {
	t.Helper()
	var traces []codec.Record
	for i := 0; i < n; i++ {
		traces = append(traces, codec.Record{
			Signal:    datatypes.SignalTraces,
			Timestamp: recordedBase + int64(i)*int64(step),
			TraceID:   "0102030405060708090a0b0c0d0e0f10",
			SpanID:    "0102030405060708",
			Service:   "frontend",
			Name:      "GET /",
			Status:    "OK",
		})
	}
	data, err := codec.EncodeShard(traces)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storage.ShardKey(id, datatypes.SignalTraces, 0), data))

	metrics := []codec.Record{{Signal: datatypes.SignalMetrics, Timestamp: recordedBase, Service: "frontend", Name: "requests_total", Value: 3}}
	data, err = codec.EncodeShard(metrics)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, storage.ShardKey(id, datatypes.SignalMetrics, 0), data))
	require.NoError(t, store.Put(ctx, storage.MetadataKey(id), []byte(`{"sessionId":"`+id+`"}`)))
}

func newTestHTTPService(t *testing.T, store storage.Store, sink Sink, opts HTTPServiceOptions) *HTTPService {
	t.Helper()
	opts.DefaultEndpoint = "http://collector.invalid"
	opts.NewSink = func(string) Sink { return sink }
	s, err := NewHTTPService(store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func waitState(t *testing.T, s Service, id string, want datatypes.ReplayState) datatypes.ReplayStatus {
	t.Helper()
	var st datatypes.ReplayStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = s.GetReplayStatus(context.Background(), id)
		return err == nil && st.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestHTTPService_StreamsAllRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	putSession(t, store, "s1", 5, time.Second)
	sink := newRecordingSink()
	s := newTestHTTPService(t, store, sink, HTTPServiceOptions{BatchSize: 2})

	// One recorded second per record at 1000x is one millisecond.
	st, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{
		SessionID: "s1", SpeedMultiplier: 1000, Signals: datatypes.AllSignals(), TimestampMode: datatypes.TimestampNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", st.SessionID)

	final := waitState(t, s, "s1", datatypes.ReplayCompleted)
	assert.EqualValues(t, 6, final.TotalRecords)
	assert.EqualValues(t, 6, final.ProcessedRecords)
	assert.Zero(t, final.FailedRecords)

	traces := sink.records(datatypes.SignalTraces)
	require.Len(t, traces, 5)
	for i, r := range traces {
		assert.Equal(t, recordedBase+int64(i)*int64(time.Second), r.Timestamp, "none keeps recorded timestamps")
	}
	assert.Len(t, sink.records(datatypes.SignalMetrics), 1)
}

func TestHTTPService_TimestampModes(t *testing.T) {
	store := storage.NewMemoryStore()
	putSession(t, store, "s1", 3, time.Second)

	t.Run("relative preserves deltas", func(t *testing.T) {
		sink := newRecordingSink()
		s := newTestHTTPService(t, store, sink, HTTPServiceOptions{})
		before := time.Now().UnixNano()
		_, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{
			SessionID: "s1", SpeedMultiplier: 1000, Signals: datatypes.SignalToggles{Traces: true}, TimestampMode: datatypes.TimestampRelative,
		})
		require.NoError(t, err)
		waitState(t, s, "s1", datatypes.ReplayCompleted)

		traces := sink.records(datatypes.SignalTraces)
		require.Len(t, traces, 3)
		assert.GreaterOrEqual(t, traces[0].Timestamp, before)
		assert.Equal(t, int64(time.Second), traces[1].Timestamp-traces[0].Timestamp)
		assert.Equal(t, int64(time.Second), traces[2].Timestamp-traces[1].Timestamp)
		assert.Empty(t, sink.records(datatypes.SignalMetrics), "metrics disabled")
	})

	t.Run("current stamps send time", func(t *testing.T) {
		sink := newRecordingSink()
		s := newTestHTTPService(t, store, sink, HTTPServiceOptions{})
		before := time.Now().UnixNano()
		_, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{
			SessionID: "s1", SpeedMultiplier: 1000, Signals: datatypes.SignalToggles{Traces: true}, TimestampMode: datatypes.TimestampCurrent,
		})
		require.NoError(t, err)
		waitState(t, s, "s1", datatypes.ReplayCompleted)
		for _, r := range sink.records(datatypes.SignalTraces) {
			assert.GreaterOrEqual(t, r.Timestamp, before)
			assert.LessOrEqual(t, r.Timestamp, time.Now().UnixNano())
		}
	})
}

func TestHTTPService_PacingHonoursSpeed(t *testing.T) {
	store := storage.NewMemoryStore()
	putSession(t, store, "s1", 3, 100*time.Millisecond)
	sink := newRecordingSink()
	s := newTestHTTPService(t, store, sink, HTTPServiceOptions{})

	start := time.Now()
	_, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{SessionID: "s1", SpeedMultiplier: 2, Signals: datatypes.SignalToggles{Traces: true}})
	require.NoError(t, err)
	waitState(t, s, "s1", datatypes.ReplayCompleted)
	// 200ms of recorded time at 2x.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestHTTPService_IdempotentStartAndStop(t *testing.T) {
	store := storage.NewMemoryStore()
	putSession(t, store, "s1", 3, time.Hour)
	sink := newRecordingSink()
	s := newTestHTTPService(t, store, sink, HTTPServiceOptions{})
	cfg := datatypes.ReplayConfig{SessionID: "s1", SpeedMultiplier: 1, Signals: datatypes.AllSignals()}

	first, err := s.StartReplay(context.Background(), cfg)
	require.NoError(t, err)
	waitState(t, s, "s1", datatypes.ReplayRunning)

	again, err := s.StartReplay(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt, again.StartedAt)

	require.NoError(t, s.StopReplay(context.Background(), "s1"))
	st := waitState(t, s, "s1", datatypes.ReplayCompleted)
	assert.Less(t, st.ProcessedRecords, st.TotalRecords)

	require.NoError(t, s.StopReplay(context.Background(), "s1"))
	require.NoError(t, s.StopReplay(context.Background(), "unknown"))
}

func TestHTTPService_Errors(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := newRecordingSink()
	s := newTestHTTPService(t, store, sink, HTTPServiceOptions{})

	_, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{SessionID: "missing", SpeedMultiplier: 1})
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	_, err = s.GetReplayStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, datatypes.ErrSessionNotFound)

	noEndpoint, err := NewHTTPService(store, HTTPServiceOptions{})
	require.NoError(t, err)
	_, err = noEndpoint.StartReplay(context.Background(), datatypes.ReplayConfig{SessionID: "s1"})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestHTTPService_SinkFailuresFailReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	putSession(t, store, "s1", 20, time.Millisecond)
	sink := newRecordingSink()
	sink.fail.Store(true)
	s := newTestHTTPService(t, store, sink, HTTPServiceOptions{BatchSize: 1})

	_, err := s.StartReplay(context.Background(), datatypes.ReplayConfig{SessionID: "s1", SpeedMultiplier: 1000, Signals: datatypes.SignalToggles{Traces: true}})
	require.NoError(t, err)
	st := waitState(t, s, "s1", datatypes.ReplayFailed)
	assert.EqualValues(t, maxConsecutiveFailures, st.FailedRecords)
	assert.NotEmpty(t, st.Error)
}

func TestOTLPHTTPSink_PostsProtobuf(t *testing.T) {
	var got coltracepb.ExportTraceServiceRequest
	var path, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = proto.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewOTLPHTTPSink(srv.URL+"/", nil)
	err := sink.Send(context.Background(), datatypes.SignalTraces, []codec.Record{
		{Signal: datatypes.SignalTraces, Timestamp: 100, DurationNanos: 50, TraceID: "0102030405060708090a0b0c0d0e0f10", SpanID: "0102030405060708", Service: "cart", Name: "AddItem", Status: "ERROR"},
		{Signal: datatypes.SignalTraces, Timestamp: 120, Service: "checkout", Name: "PlaceOrder", Status: "OK"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/traces", path)
	assert.Equal(t, "application/x-protobuf", contentType)
	require.Len(t, got.ResourceSpans, 2)
	span := got.ResourceSpans[0].ScopeSpans[0].Spans[0]
	assert.Equal(t, "AddItem", span.Name)
	assert.Equal(t, uint64(150), span.EndTimeUnixNano)
	assert.Len(t, span.TraceId, 16)
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, span.Status.Code)
}

func TestOTLPHTTPSink_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewOTLPHTTPSink(srv.URL, nil)
	err := sink.Send(context.Background(), datatypes.SignalLogs, []codec.Record{{Signal: datatypes.SignalLogs, Name: "boom", Status: "ERROR"}})
	assert.ErrorIs(t, err, datatypes.ErrTransportFailure)

	err = sink.Send(context.Background(), "profiles", []codec.Record{{}})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)

	assert.NoError(t, sink.Send(context.Background(), datatypes.SignalMetrics, nil))
}

func TestInfluxSink_WritesMetricsOnly(t *testing.T) {
	var writes atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/write" {
			writes.Add(1)
			b, _ := io.ReadAll(r.Body)
			body.Store(string(b))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Send(context.Background(), datatypes.SignalTraces, []codec.Record{{Name: "span"}}))
	assert.Equal(t, int32(0), writes.Load())

	require.NoError(t, sink.Send(context.Background(), datatypes.SignalMetrics, []codec.Record{
		{Signal: datatypes.SignalMetrics, Timestamp: recordedBase, Service: "cart", Name: "requests_total", Value: 7},
	}))
	assert.Equal(t, int32(1), writes.Load())
	assert.Contains(t, body.Load().(string), "replayed_metrics")
	assert.Contains(t, body.Load().(string), "service=cart")

	_, err = NewInfluxSink(InfluxConfig{URL: srv.URL})
	assert.ErrorIs(t, err, datatypes.ErrInvalidConfiguration)
}

func TestMultiSink_TriesEverySink(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	a.fail.Store(true)
	err := MultiSink{a, b}.Send(context.Background(), datatypes.SignalTraces, []codec.Record{{Name: "x"}})
	assert.Error(t, err)
	assert.Len(t, b.records(datatypes.SignalTraces), 1)
}
