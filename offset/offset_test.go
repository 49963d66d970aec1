package offset

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a    Offset
		b    Offset
		want int
	}{
		{
			name: "a before b (tx)",
			a:    Offset{Tx: 1, Op: 9},
			b:    Offset{Tx: 2, Op: 0},
			want: -1,
		},
		{
			name: "a after b (tx)",
			a:    Offset{Tx: 3, Op: 0},
			b:    Offset{Tx: 2, Op: 9},
			want: 1,
		},
		{
			name: "a before b (op)",
			a:    Offset{Tx: 2, Op: 1},
			b:    Offset{Tx: 2, Op: 2},
			want: -1,
		},
		{
			name: "a after b (op)",
			a:    Offset{Tx: 2, Op: 5},
			b:    Offset{Tx: 2, Op: 4},
			want: 1,
		},
		{
			name: "equal",
			a:    Offset{Tx: 7, Op: 3},
			b:    Offset{Tx: 7, Op: 3},
			want: 0,
		},
		{
			name: "before-all precedes first",
			a:    BeforeAll,
			b:    First,
			want: -1,
		},
		{
			name: "first precedes any change",
			a:    First,
			b:    Offset{Tx: 1, Op: 0},
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("Compare() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOffset_Methods(t *testing.T) {
	a := Offset{Tx: 1, Op: 0}
	b := Offset{Tx: 1, Op: 1}

	if !b.After(a) {
		t.Error("b should be after a")
	}
	if a.After(b) {
		t.Error("a should not be after b")
	}
	if !a.Before(b) {
		t.Error("a should be before b")
	}
	if !a.Equal(a) {
		t.Error("a should equal itself")
	}
	if a.Equal(b) {
		t.Error("a should not equal b")
	}
	if !BeforeAll.IsBeforeAll() {
		t.Error("BeforeAll sentinel not recognized")
	}
	if First.IsBeforeAll() {
		t.Error("First should not be BeforeAll")
	}
}

func TestOffset_String(t *testing.T) {
	tests := []struct {
		name string
		o    Offset
		want string
	}{
		{name: "before-all", o: BeforeAll, want: "-1"},
		{name: "first", o: First, want: "0_0"},
		{name: "change", o: Offset{Tx: 42, Op: 7}, want: "42_7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Offset
		wantErr bool
	}{
		{name: "before-all", in: "-1", want: BeforeAll},
		{name: "first", in: "0_0", want: First},
		{name: "change", in: "42_7", want: Offset{Tx: 42, Op: 7}},
		{name: "missing separator", in: "42", wantErr: true},
		{name: "negative tx", in: "-2_0", wantErr: true},
		{name: "garbage tx", in: "x_0", wantErr: true},
		{name: "garbage op", in: "1_y", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "op overflow", in: "1_4294967296", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	offsets := []Offset{
		BeforeAll,
		First,
		{Tx: 1, Op: 0},
		{Tx: 1, Op: 4294967295},
		{Tx: 9223372036854775807, Op: 1},
	}

	for _, o := range offsets {
		parsed, err := Parse(o.String())
		if err != nil {
			t.Fatalf("round trip of %v failed: %v", o, err)
		}
		if !parsed.Equal(o) {
			t.Errorf("round trip of %v yielded %v", o, parsed)
		}
	}
}

func BenchmarkCompare(b *testing.B) {
	x := Offset{Tx: 100, Op: 5}
	y := Offset{Tx: 100, Op: 6}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Compare(x, y)
	}
}

func BenchmarkParse(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Parse("1024_42"); err != nil {
			b.Fatal(err)
		}
	}
}
