package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"golem": map[string]interface{}{
			"runtime": map[string]interface{}{"name": "vm"},
			"inf":     map[string]interface{}{"mem": map[string]interface{}{"gib": 4}},
		},
		"constraints": "(golem.inf.mem.gib>=4)",
	}

	expected := `{"constraints":"(golem.inf.mem.gib>=4)","golem":{"inf":{"mem":{"gib":4}},"runtime":{"name":"vm"}}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"constraints": "(&(a>=1)(b<=2))",
	}

	expected := `{"constraints":"(&(a>=1)(b<=2))"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NumberFormatting(t *testing.T) {
	b, err := Transform([]byte(`{"b":1.50,"a":1e2}`))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if string(b) != `{"a":100,"b":1.5}` {
		t.Errorf("unexpected canonical form %s", b)
	}
}

func TestJCS_RawMessageIsCanonicalized(t *testing.T) {
	doc := struct {
		Properties json.RawMessage `json:"properties"`
		Owner      string          `json:"owner"`
	}{
		Properties: json.RawMessage(`{ "z": 1, "a": [true, null] }`),
		Owner:      "node-1",
	}
	s, err := JCSString(doc)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if s != `{"owner":"node-1","properties":{"a":[true,null],"z":1}}` {
		t.Errorf("unexpected canonical form %s", s)
	}
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(json.RawMessage(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected hex sha256, got %q", h1)
	}
}

func TestTransform_Invalid(t *testing.T) {
	if _, err := Transform([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
