package objectspec

import "testing"

func TestWithInjected_ExplicitWins(t *testing.T) {
	s := Spec{ClassName: "default", Args: Args{"max_sequence_length": 10}}
	got := s.WithInjected(Args{"max_sequence_length": 20, "tokenizer_name": "simple/word"})

	n, _, err := got.Args.Int("max_sequence_length")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Errorf("max_sequence_length = %d, want 10", n)
	}
	name, _, _ := got.Args.String("tokenizer_name")
	if name != "simple/word" {
		t.Errorf("tokenizer_name = %q, want simple/word", name)
	}
	if len(s.Args) != 1 {
		t.Error("WithInjected must not mutate the receiver")
	}
}

func TestArgsInt(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"int", 5, 5, false},
		{"int64", int64(6), 6, false},
		{"float64 whole", float64(7), 7, false},
		{"float64 fraction", 7.5, 0, true},
		{"string", "8", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Args{"k": tt.value}.Int("k")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !ok {
				t.Error("expected key to be present")
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	if _, ok, err := (Args{}).Int("missing"); ok || err != nil {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}
