package protocol

import (
	stdjson "encoding/json"
	"testing"

	jsoniter "github.com/json-iterator/go"
)

func benchEnvelope(payloadSize int) *Envelope {
	body := make([]byte, payloadSize)
	for i := range body {
		body[i] = 'a' + byte(i%26)
	}
	payload, err := Marshal(map[string]string{"data": string(body)})
	if err != nil {
		panic(err)
	}
	return NewRequest(42, "echo", payload, "bench-trace")
}

// BenchmarkJSONCodec_Encode measures envelope encoding across payload sizes.
func BenchmarkJSONCodec_Encode(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"64B", 64},
		{"1KB", 1024},
		{"64KB", 64 * 1024},
	}

	codec := JSONCodec{}
	for _, s := range sizes {
		b.Run(s.name, func(b *testing.B) {
			env := benchEnvelope(s.size)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := codec.Encode(env); err != nil {
					b.Fatalf("encode failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkJSONCodec_Decode measures envelope decoding across payload sizes.
func BenchmarkJSONCodec_Decode(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{"64B", 64},
		{"1KB", 1024},
		{"64KB", 64 * 1024},
	}

	codec := JSONCodec{}
	for _, s := range sizes {
		b.Run(s.name, func(b *testing.B) {
			data, err := codec.Encode(benchEnvelope(s.size))
			if err != nil {
				b.Fatalf("encode failed: %v", err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := codec.Decode(data); err != nil {
					b.Fatalf("decode failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkJSONLibraryComparison compares standard library vs json-iterator
// on the envelope hot path.
func BenchmarkJSONLibraryComparison(b *testing.B) {
	env := benchEnvelope(1024)
	data, err := (JSONCodec{}).Encode(env)
	if err != nil {
		b.Fatalf("encode failed: %v", err)
	}

	jsoniterStd := jsoniter.ConfigCompatibleWithStandardLibrary

	b.Run("StdLib/Unmarshal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			var e Envelope
			_ = stdjson.Unmarshal(data, &e)
		}
	})

	b.Run("JsonIter/Unmarshal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			var e Envelope
			_ = jsoniterStd.Unmarshal(data, &e)
		}
	})

	b.Run("StdLib/Marshal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = stdjson.Marshal(env)
		}
	})

	b.Run("JsonIter/Marshal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = jsoniterStd.Marshal(env)
		}
	})
}
