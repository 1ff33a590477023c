package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSONSentinel(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		ErrInvalidURI.WriteJSON(httptest.NewRecorder())
	}
}

func BenchmarkWriteJSONForStatus(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		ForStatus(503).WithRequestID("r-1").WriteJSON(httptest.NewRecorder())
	}
}
