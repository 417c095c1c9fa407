package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func TestStrategies_Formulas(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Hour

	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{"fixed attempt 0", Fixed{}, 0, base},
		{"fixed attempt 7", Fixed{}, 7, base},
		{"linear attempt 0", Linear{}, 0, base},
		{"linear attempt 3", Linear{}, 3, 4 * base},
		{"logarithmic attempt 0", Logarithmic{}, 0, time.Duration(float64(base) * math.Log(2))},
		{"logarithmic attempt 5", Logarithmic{}, 5, time.Duration(float64(base) * math.Log(7))},
		{"exponential attempt 0", Exponential{}, 0, base},
		{"exponential attempt 4", Exponential{}, 4, 16 * base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.strategy.NextDelay(tt.attempt, base, max)
			if err != nil {
				t.Fatalf("NextDelay() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestStrategies_ClampToMax(t *testing.T) {
	base := time.Second
	max := 5 * time.Second

	for _, tag := range Tags {
		t.Run(string(tag), func(t *testing.T) {
			strategy, err := Parse(string(tag))
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tag, err)
			}

			for attempt := 0; attempt < 200; attempt++ {
				got, err := strategy.NextDelay(attempt, base, max)
				if err != nil {
					t.Fatalf("NextDelay(%d) error = %v", attempt, err)
				}
				if got > max {
					t.Fatalf("NextDelay(%d) = %v, exceeds max %v", attempt, got, max)
				}
				if got < 0 {
					t.Fatalf("NextDelay(%d) = %v, negative", attempt, got)
				}
			}
		})
	}
}

func TestStrategies_Monotonic(t *testing.T) {
	base := 10 * time.Millisecond
	max := 10 * time.Second

	tests := []struct {
		name     string
		strategy Strategy
		constant bool
	}{
		{"fixed", Fixed{}, true},
		{"linear", Linear{}, false},
		{"logarithmic", Logarithmic{}, false},
		{"exponential", Exponential{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, _ := tt.strategy.NextDelay(0, base, max)
			for attempt := 1; attempt < 64; attempt++ {
				got, err := tt.strategy.NextDelay(attempt, base, max)
				if err != nil {
					t.Fatalf("NextDelay(%d) error = %v", attempt, err)
				}
				switch {
				case tt.constant && got != prev:
					t.Fatalf("attempt %d: %v != %v, want constant", attempt, got, prev)
				case !tt.constant && prev < max && got <= prev:
					t.Fatalf("attempt %d: %v <= %v, want strictly increasing below max", attempt, got, prev)
				case !tt.constant && prev == max && got != max:
					t.Fatalf("attempt %d: %v, want to stay at max once reached", attempt, got)
				}
				prev = got
			}
		})
	}
}

func TestExponentialJitter_Bounds(t *testing.T) {
	base := 50 * time.Millisecond
	max := time.Hour
	strategy := ExponentialJitter{}

	for i := 0; i < 1000; i++ {
		attempt := rand.IntN(10)
		upper := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

		got, err := strategy.NextDelay(attempt, base, max)
		if err != nil {
			t.Fatalf("NextDelay() error = %v", err)
		}
		if got < 0 || got > upper {
			t.Fatalf("NextDelay(%d) = %v, want within [0, %v]", attempt, got, upper)
		}
	}
}

func TestExponentialJitter_InjectedSource(t *testing.T) {
	strategy := ExponentialJitter{Float64: func() float64 { return 0.5 }}

	got, err := strategy.NextDelay(3, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("NextDelay() error = %v", err)
	}
	if got != 4*time.Second {
		t.Errorf("NextDelay() = %v, want 4s", got)
	}
}

func TestNextDelay_InvalidArgument(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
	}{
		{"negative attempt", -1, time.Second, time.Minute},
		{"zero base", 0, 0, time.Minute},
		{"negative max", 0, time.Second, -time.Second},
	}

	strategies := append([]Strategy{Func(func(int, time.Duration, time.Duration) time.Duration { return 0 })},
		Fixed{}, Linear{}, Logarithmic{}, Exponential{}, ExponentialJitter{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, strategy := range strategies {
				_, err := strategy.NextDelay(tt.attempt, tt.base, tt.max)
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("%T: error = %v, want ErrInvalidArgument", strategy, err)
				}
			}
		})
	}
}

func TestFunc_Clamped(t *testing.T) {
	custom := Func(func(attempt int, base, _ time.Duration) time.Duration {
		return base * 100
	})

	got, err := custom.NextDelay(0, time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("NextDelay() error = %v", err)
	}
	if got != 3*time.Second {
		t.Errorf("NextDelay() = %v, want 3s", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{"fixed", Fixed{}, false},
		{"LINEAR", Linear{}, false},
		{" logarithmic ", Logarithmic{}, false},
		{"exponential", Exponential{}, false},
		{"exponential-jitter", ExponentialJitter{}, false},
		{"fibonacci", nil, true},
		{"", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownStrategy) {
					t.Errorf("Parse(%q) error = %v, want ErrUnknownStrategy", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if _, ok := got.(ExponentialJitter); ok {
				if _, want := tt.want.(ExponentialJitter); !want {
					t.Errorf("Parse(%q) = %T, want %T", tt.input, got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %T, want %T", tt.input, got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	if _, ok := Default().(Exponential); !ok {
		t.Errorf("Default() = %T, want Exponential", Default())
	}
}
