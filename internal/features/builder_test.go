package features

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"autoflow/internal/tags"
)

func TestNewBuilder_Validation(t *testing.T) {
	testCases := []struct {
		name     string
		required []string
		wantErr  bool
	}{
		{"two tags", []string{"Temp", "Pressure"}, false},
		{"empty", nil, true},
		{"blank name", []string{"Temp", ""}, true},
		{"duplicate", []string{"Temp", "Temp"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBuilder(tc.required)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewBuilder(%v) error = %v, wantErr %v", tc.required, err, tc.wantErr)
			}
		})
	}
}

func TestBuild_OrderFollowsRequiredTags(t *testing.T) {
	b, err := NewBuilder([]string{"Temp", "Pressure"})
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	readings := map[string]tags.Value{
		"Pressure": tags.Real(101.3),
		"Temp":     tags.Real(72.0),
		"Extra":    tags.String("ignored"),
	}

	v, err := b.Build("cycle-1", readings, ts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if want := []float64{72.0, 101.3}; !reflect.DeepEqual(v.Values, want) {
		t.Errorf("expected %v, got %v", want, v.Values)
	}
	if v.Len() != b.Len() {
		t.Errorf("expected length %d, got %d", b.Len(), v.Len())
	}
	if v.ID != VectorID("cycle-1") || v.CycleID != "cycle-1" || !v.Timestamp.Equal(ts) {
		t.Errorf("unexpected identity %+v", v)
	}
}

func TestBuild_FixedLengthForAnyCompleteReadingSet(t *testing.T) {
	b, _ := NewBuilder([]string{"A", "B", "C"})
	sets := []map[string]tags.Value{
		{"A": tags.Int(1), "B": tags.Real(2), "C": tags.Bool(false)},
		{"A": tags.Int(-5), "B": tags.Real(0), "C": tags.Bool(true), "D": tags.Real(9)},
		{"A": tags.Real(math.MaxFloat64), "B": tags.Int(math.MinInt32), "C": tags.Int(0)},
	}
	for i, s := range sets {
		v, err := b.Build("c", s, time.Time{})
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		if v.Len() != 3 {
			t.Errorf("set %d: expected 3 features, got %d", i, v.Len())
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	b, _ := NewBuilder([]string{"Tag_TW"})
	r := map[string]tags.Value{"Tag_TW": tags.Real(24.5)}
	first, _ := b.Build("c1", r, time.Unix(0, 0))
	second, _ := b.Build("c1", r, time.Unix(0, 0))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Build is not deterministic: %+v vs %+v", first, second)
	}
}

func TestBuild_IncompleteData(t *testing.T) {
	b, _ := NewBuilder([]string{"Temp", "Pressure", "Mode", "Flow"})
	readings := map[string]tags.Value{
		"Temp": tags.Real(math.NaN()),
		"Mode": tags.String("auto"),
	}

	_, err := b.Build("c", readings, time.Now())
	var ide *IncompleteDataError
	if !errors.As(err, &ide) {
		t.Fatalf("expected IncompleteDataError, got %v", err)
	}
	if want := []string{"Flow", "Pressure"}; !reflect.DeepEqual(ide.Missing, want) {
		t.Errorf("expected missing %v, got %v", want, ide.Missing)
	}
	if want := []string{"Mode", "Temp"}; !reflect.DeepEqual(ide.Invalid, want) {
		t.Errorf("expected invalid %v, got %v", want, ide.Invalid)
	}
	if ide.Error() != "incomplete data: missing Flow, Pressure; non-numeric Mode, Temp" {
		t.Errorf("unexpected message %q", ide.Error())
	}
}
