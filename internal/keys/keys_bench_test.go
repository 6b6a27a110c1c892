package keys

import "testing"

func BenchmarkFor(b *testing.B) {
	b.ReportAllocs()
	var sink Space
	for i := 0; i < b.N; i++ {
		sink = For("prod")
	}
	_ = sink
}

func BenchmarkBuilders(b *testing.B) {
	s := For("prod")
	cases := []struct {
		name string
		fn   func(string) string
	}{
		{"Task", s.Task},
		{"Payload", s.Payload},
		{"PollingQueue", s.PollingQueue},
		{"Processor", s.Processor},
		{"Channel", s.Channel},
	}
	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			var out string
			for i := 0; i < b.N; i++ {
				out = c.fn("0b7c9d2e-4f6a-4c1e-9a55-2d1c0e7f3b11")
			}
			_ = out
		})
	}
}
