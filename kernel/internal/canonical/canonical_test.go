package canonical_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/canonical"
)

func TestCanonicalSortedKeys(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	ca, err := canonical.MarshalCanonical(a)
	if err != nil {
		t.Fatalf("MarshalCanonical(a) error: %v", err)
	}
	cb, err := canonical.MarshalCanonical(b)
	if err != nil {
		t.Fatalf("MarshalCanonical(b) error: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("canonical outputs differ:\nA: %s\nB: %s", ca, cb)
	}
	if string(ca) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

type record struct {
	Seq    uint64            `json:"seq"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	At     time.Time         `json:"at"`
}

func TestCanonicalStructStable(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r1 := record{Seq: 7, Name: "svc", Labels: map[string]string{"z": "1", "a": "2"}, At: at}
	r2 := record{Seq: 7, Name: "svc", Labels: map[string]string{"a": "2", "z": "1"}, At: at}

	c1, err := canonical.MarshalCanonical(r1)
	if err != nil {
		t.Fatalf("MarshalCanonical error: %v", err)
	}
	c2, err := canonical.MarshalCanonical(&r2)
	if err != nil {
		t.Fatalf("MarshalCanonical error: %v", err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("struct canonical forms differ:\n%s\n%s", c1, c2)
	}
	want := `{"at":"2024-05-01T12:00:00Z","labels":{"a":"2","z":"1"},"name":"svc","seq":7}`
	if string(c1) != want {
		t.Fatalf("got %s want %s", c1, want)
	}
}

func TestCanonicalNumbersAndArrays(t *testing.T) {
	in := map[string]interface{}{
		"list": []interface{}{3, 2, 1},
		"num":  json.Number("123.45"),
		"str":  "hello",
		"bool": true,
		"nil":  nil,
		"tags": []string{"b", "a"},
	}

	c, err := canonical.MarshalCanonical(in)
	if err != nil {
		t.Fatalf("MarshalCanonical error: %v", err)
	}
	want := `{"bool":true,"list":[3,2,1],"nil":null,"num":123.45,"str":"hello","tags":["b","a"]}`
	if string(c) != want {
		t.Fatalf("got %s want %s", c, want)
	}
}
