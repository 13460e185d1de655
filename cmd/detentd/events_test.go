package main

import (
	"context"
	"strings"
	"testing"

	"detentd/internal/quadrature"
)

func TestUnmarshalEvent(t *testing.T) {
	cases := []struct {
		in   string
		want Event
	}{
		{`{"type":"rotate","data":{"direction":"cw"}}`, RotateAction{Direction: quadrature.ClockwiseDetent}},
		{`{"type":"rotate","data":{"direction":"ccw"}}`, RotateAction{Direction: quadrature.CounterclockwiseDetent}},
		{`{"type":"set_period","data":{"ticks":250}}`, SetPeriodAction{Ticks: 250}},
		{`{"type":"edge","data":{"a":1,"b":0}}`, EdgeAction{A: 1, B: 0}},
		{`{"type":"status"}`, StatusQuery{}},
	}
	for _, tc := range cases {
		got, err := UnmarshalEvent([]byte(tc.in))
		if err != nil {
			t.Fatalf("UnmarshalEvent(%s): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("UnmarshalEvent(%s) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestUnmarshalEvent_Errors(t *testing.T) {
	cases := map[string]string{
		`not json`: "unmarshal envelope",
		`{"type":"spin"}`: "unknown event type",
		`{"type":"rotate","data":{"direction":"up"}}`: "RotateAction",
		`{"type":"rotate","data":{}}`: "direction must be",
		`{"type":"rotate","data":{"direction":null}}`: "direction must be",
		`{"type":"rotate"}`: "RotateAction",
		`{"type":"set_period","data":{"ticks":0}}`: "ticks must be > 0",
		`{"type":"edge","data":{"a":2,"b":0}}`: "levels must be 0 or 1",
	}
	for in, want := range cases {
		_, err := UnmarshalEvent([]byte(in))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("UnmarshalEvent(%s): expected error containing %q, got %v", in, want, err)
		}
	}
}

func TestMarshalEvent_Envelope(t *testing.T) {
	data, err := MarshalEvent(RotateAction{Direction: quadrature.CounterclockwiseDetent})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	if string(data) != `{"type":"rotate","data":{"direction":"ccw"}}` {
		t.Fatalf("unexpected envelope %s", data)
	}

	data, err = MarshalEvent(StatusQuery{})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	if string(data) != `{"type":"status"}` {
		t.Fatalf("unexpected envelope %s", data)
	}

	if _, err := MarshalEvent(Tick{}); err == nil {
		t.Fatalf("expected error for non-IPC event")
	}
}

func TestHandleIPCLine_RotateWithoutDirection(t *testing.T) {
	events := make(chan Event, 1)
	resp := handleIPCLine(context.Background(), []byte(`{"type":"rotate","data":{}}`), events)
	if resp.Status != "error" || !strings.Contains(resp.Error, "direction must be") {
		t.Fatalf("expected direction error, got %#v", resp)
	}
	if len(events) != 0 {
		t.Fatalf("rejected rotate must not reach the daemon, got %v", <-events)
	}
}
