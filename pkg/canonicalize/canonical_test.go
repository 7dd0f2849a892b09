package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
)

func TestMarshal_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NonASCIIEscaped(t *testing.T) {
	input := map[string]string{
		"note": "café ✓",
	}

	expected := `{"note":"caf\u00e9 \u2713"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_AstralPlaneSurrogatePair(t *testing.T) {
	// U+1F600 must encode as a surrogate pair.
	b, err := Marshal(map[string]string{"emoji": "\U0001F600"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	expected := `{"emoji":"\ud83d\ude00"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_ControlCharacters(t *testing.T) {
	b, err := Marshal(map[string]string{"s": "a\nb\x01c"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	expected := `{"s":"a\nb\u0001c"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NumberTypes(t *testing.T) {
	input := map[string]interface{}{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Stability(t *testing.T) {
	// Two inputs that are semantically identical but constructed differently.
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

// For ASCII-only documents the canonical form coincides with RFC 8785, so the
// jcs transform serves as an independent oracle.
func TestMarshal_ASCIIParityWithJCS(t *testing.T) {
	docs := []interface{}{
		map[string]interface{}{"b": 2, "a": []interface{}{"x", "y", nil, true}},
		map[string]interface{}{"nested": map[string]interface{}{"k2": "v", "k1": 1}},
		map[string]interface{}{"html": "<script>alert('x')</script> &"},
	}

	for _, doc := range docs {
		mine, err := Marshal(doc)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			t.Fatal(err)
		}
		oracle, err := jcs.Transform(raw)
		if err != nil {
			t.Fatalf("jcs transform failed: %v", err)
		}

		if string(mine) != string(oracle) {
			t.Errorf("canonical form diverged from RFC 8785 on ASCII input:\n mine:   %s\n oracle: %s", mine, oracle)
		}
	}
}

func TestMarshalString_IsReachable(t *testing.T) {
	s, err := MarshalString(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s == "" {
		t.Fatal("expected non-empty string")
	}
}
